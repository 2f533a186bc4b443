// Package square dispatches an elementwise square kernel over a fixed
// buffer and checks the result on the host.
package square

import (
	"errors"
	"fmt"
	"io"

	"github.com/notargets/clsquare/runner"
	"github.com/notargets/clsquare/runner/builder"
	"github.com/notargets/clsquare/utils"
	"github.com/notargets/gocca"
	"gonum.org/v1/gonum/floats"
)

// NumValues is the length of the test buffer
const NumValues = 1024

// KernelName is the name of the square kernel
const KernelName = "square"

// ErrLengthMismatch is returned when input and output differ in length
var ErrLengthMismatch = errors.New("input and output lengths differ")

// MismatchError reports the first element the kernel did not square
type MismatchError struct {
	Index    int
	Saw      float32
	Expected float32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("element %d did not match expected output: saw %1.4f, expected %1.4f",
		e.Index, e.Saw, e.Expected)
}

// Config controls a run. Zero values select the defaults.
type Config struct {
	NumValues     int // defaults to NumValues
	WorkGroupSize int // defaults to the device's suggested size
}

func (c Config) withDefaults(device *gocca.OCCADevice) (Config, error) {
	if c.NumValues < 0 || c.WorkGroupSize < 0 {
		return c, fmt.Errorf("invalid config: %d values, workgroup size %d", c.NumValues, c.WorkGroupSize)
	}
	if c.NumValues == 0 {
		c.NumValues = NumValues
	}
	if c.WorkGroupSize == 0 {
		c.WorkGroupSize = utils.SuggestedWorkGroupSize(device.Mode())
	}
	return c, nil
}

// NewInput returns n values with input[i] = i
func NewInput(n int) []float32 {
	input := make([]float32, n)
	for i := range input {
		input[i] = float32(i)
	}
	return input
}

// KernelSource returns the square kernel for a generated signature
func KernelSource(signature string) string {
	return fmt.Sprintf(`
@kernel void %s(
	%s
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		const real_t* input = input_PART(part);
		real_t* output = output_PART(part);

		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				output[i] = input[i] * input[i];
			}
		}
	}
}`, KernelName, signature)
}

// Dispatch squares input on the device in one synchronous dispatch with
// workgroups of wgs values. All device memory is released before returning.
func Dispatch(device *gocca.OCCADevice, input []float32, wgs int) ([]float32, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	if err := runner.CheckWorkGroupSize(device, len(input), wgs); err != nil {
		return nil, err
	}
	output := make([]float32, len(input))

	kr := runner.NewRunner(device, builder.Config{
		NumValues:     len(input),
		WorkGroupSize: wgs,
		FloatType:     builder.Float32,
	})
	defer kr.Free()

	err := kr.DefineBindings(
		builder.Input("input").Bind(input),
		builder.Output("output").Bind(output),
	)
	if err != nil {
		return nil, err
	}
	if err = kr.AllocateDevice(); err != nil {
		return nil, err
	}

	_, err = kr.ConfigureKernel(KernelName,
		kr.Param("input").CopyTo(),
		kr.Param("output").CopyBack(),
	)
	if err != nil {
		return nil, err
	}

	signature, err := kr.GetKernelSignatureForConfig(KernelName)
	if err != nil {
		return nil, err
	}
	if _, err = kr.BuildKernel(KernelSource(signature), KernelName); err != nil {
		return nil, err
	}

	if err = kr.ExecuteKernel(KernelName); err != nil {
		return nil, err
	}
	return output, nil
}

// Expected returns input[i]*input[i] computed on the host
func Expected(input []float32) []float32 {
	in := make([]float64, len(input))
	for i, v := range input {
		in[i] = float64(v)
	}
	sq := make([]float64, len(in))
	floats.MulTo(sq, in, in)

	expected := make([]float32, len(sq))
	for i, v := range sq {
		expected[i] = float32(v)
	}
	return expected
}

// Validate checks that the kernel squared every value, stopping at the
// first element that differs.
func Validate(input, output []float32) error {
	if len(input) != len(output) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(input), len(output))
	}
	expected := Expected(input)
	for i := range input {
		if output[i] != expected[i] {
			return &MismatchError{Index: i, Saw: output[i], Expected: expected[i]}
		}
	}
	return nil
}

// Report writes the console verdict for a Validate result. A mismatch is
// reported on two lines; other errors are left to the caller.
func Report(w io.Writer, err error) {
	var mismatch *MismatchError
	switch {
	case err == nil:
		fmt.Fprintf(w, "All values were properly squared.\n")
	case errors.As(err, &mismatch):
		fmt.Fprintf(w, "Error: Element %d did not match expected output.\n", mismatch.Index)
		fmt.Fprintf(w, "       Saw %1.4f, expected %1.4f\n", mismatch.Saw, mismatch.Expected)
	}
}

// Run performs the demo on device and writes the console report to w.
// A validation failure is printed and also returned.
func Run(device *gocca.OCCADevice, cfg Config, w io.Writer) error {
	cfg, err := cfg.withDefaults(device)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Created a dispatch queue using the %s\n", utils.DescribeDevice(device))

	input := NewInput(cfg.NumValues)
	output, err := Dispatch(device, input, cfg.WorkGroupSize)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	err = Validate(input, output)
	Report(w, err)
	return err
}
