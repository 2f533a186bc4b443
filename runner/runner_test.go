package runner

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/notargets/clsquare/runner/builder"
	"github.com/notargets/clsquare/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const squareInPlace = `
@kernel void squareInPlace(
	%s
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		real_t* data = data_PART(part);

		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				data[i] = data[i] * data[i];
			}
		}
	}
}`

func TestRunner_Creation(t *testing.T) {
	t.Run("NilDevice", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic for nil Device")
			}
		}()
		NewRunner(nil, builder.Config{NumValues: 10, WorkGroupSize: 10})
	})

	t.Run("EmptyRange", func(t *testing.T) {
		device := utils.CreateTestDevice()
		defer device.Free()

		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic for empty range")
			}
		}()
		NewRunner(device, builder.Config{NumValues: 0, WorkGroupSize: 10})
	})
}

func TestCheckWorkGroupSize(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	assert.NoError(t, CheckWorkGroupSize(device, 1024, 4096), "host backends have no inner limit")
	assert.Error(t, CheckWorkGroupSize(device, 1024, 0))
	assert.Error(t, CheckWorkGroupSize(device, 1024, -1))
	assert.Error(t, CheckWorkGroupSize(device, 0, 64))

	testCases := []struct {
		mode     string
		kpartMax int
		wantErr  bool
	}{
		{"CUDA", 1024, false},
		{"CUDA", 1025, true},
		{"HIP", 2048, true},
		{"OpenCL", 1025, true},
		{"Metal", 4096, false},
		{"OpenMP", 4096, false},
		{"Serial", 4096, false},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s_%d", tc.mode, tc.kpartMax), func(t *testing.T) {
			err := checkInnerLimit(tc.mode, tc.kpartMax)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunner_WorkGroupLayout(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	testCases := []struct {
		name       string
		n, wgs     int
		partitions int
		kpartMax   int
	}{
		{"single", 1024, 1024, 1, 1024},
		{"four", 1024, 256, 4, 256},
		{"short_tail", 1000, 256, 4, 256},
		{"tiny", 3, 64, 1, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kr := NewRunner(device, builder.Config{NumValues: tc.n, WorkGroupSize: tc.wgs})
			defer kr.Free()

			if kr.NumPartitions != tc.partitions {
				t.Errorf("Expected NumPartitions=%d, got %d", tc.partitions, kr.NumPartitions)
			}
			if kr.KpartMax != tc.kpartMax {
				t.Errorf("Expected KpartMax=%d, got %d", tc.kpartMax, kr.KpartMax)
			}
		})
	}
}

func TestRunner_SquareInPlace(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	for _, wgs := range []int{1, 7, 64, 100} {
		t.Run(fmt.Sprintf("wgs_%d", wgs), func(t *testing.T) {
			kr := NewRunner(device, builder.Config{NumValues: 100, WorkGroupSize: wgs})
			defer kr.Free()

			hostData := make([]float32, 100)
			for i := range hostData {
				hostData[i] = float32(i)
			}

			require.NoError(t, kr.DefineBindings(builder.InOut("data").Bind(hostData)))
			require.NoError(t, kr.AllocateDevice())
			_, err := kr.ConfigureKernel("squareInPlace", kr.Param("data").Copy())
			require.NoError(t, err)

			signature, err := kr.GetKernelSignatureForConfig("squareInPlace")
			require.NoError(t, err)
			_, err = kr.BuildKernel(fmt.Sprintf(squareInPlace, signature), "squareInPlace")
			require.NoError(t, err)
			require.NoError(t, kr.ExecuteKernel("squareInPlace"))

			for i, v := range hostData {
				if v != float32(i*i) {
					t.Fatalf("Element %d: expected %d, got %f", i, i*i, v)
				}
			}
		})
	}
}

func TestRunner_Signature(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr := NewRunner(device, builder.Config{NumValues: 8, WorkGroupSize: 4})
	defer kr.Free()

	require.NoError(t, kr.DefineBindings(
		builder.Input("input").Bind(make([]float32, 8)),
		builder.Output("output").Bind(make([]float32, 8)),
		builder.Scalar("alpha").Bind(float32(2)),
		builder.Input("counts").Bind(make([]int32, 8)),
	))
	require.NoError(t, kr.AllocateDevice())

	_, err := kr.ConfigureKernel("k",
		kr.Param("input").CopyTo(),
		kr.Param("alpha"),
		kr.Param("output").CopyBack(),
		kr.Param("counts"),
	)
	require.NoError(t, err)

	signature, err := kr.GetKernelSignatureForConfig("k")
	require.NoError(t, err)

	expected := strings.Join([]string{
		"const int_t* K",
		"const real_t* input_global",
		"const int_t* input_offsets",
		"real_t* output_global",
		"const int_t* output_offsets",
		"const int_t* counts_global",
		"const int_t* counts_offsets",
		"const float alpha",
	}, ",\n\t")
	assert.Equal(t, expected, signature)

	_, err = kr.GetKernelSignatureForConfig("missing")
	assert.Error(t, err)
}

func TestRunner_ScalarAndConversion(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	n := 50
	kr := NewRunner(device, builder.Config{NumValues: n, WorkGroupSize: 16})
	defer kr.Free()

	// float64 on the host, float on the device
	hostU := make([]float64, n)
	hostV := make([]float64, n)
	for i := range hostU {
		hostU[i] = float64(i) + 0.5
	}

	require.NoError(t, kr.DefineBindings(
		builder.Input("U").Bind(hostU).Convert(builder.Float32),
		builder.Output("V").Bind(hostV).Convert(builder.Float32),
		builder.Scalar("alpha").Type(builder.Float64),
	))
	require.NoError(t, kr.AllocateDevice())

	_, err := kr.ConfigureKernel("scale",
		kr.Param("U").CopyTo(),
		kr.Param("V").CopyBack(),
		kr.Param("alpha"),
	)
	require.NoError(t, err)

	signature, err := kr.GetKernelSignatureForConfig("scale")
	require.NoError(t, err)
	source := fmt.Sprintf(`
@kernel void scale(
	%s
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		const real_t* U = U_PART(part);
		real_t* V = V_PART(part);
		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				V[i] = alpha * U[i];
			}
		}
	}
}`, signature)
	_, err = kr.BuildKernel(source, "scale")
	require.NoError(t, err)

	require.Error(t, kr.ExecuteKernel("scale"), "alpha has neither binding nor value")
	require.NoError(t, kr.ExecuteKernel("scale", 2.0))

	for i, v := range hostV {
		expected := 2 * hostU[i]
		if math.Abs(v-expected) > 1e-5 {
			t.Errorf("Element %d: expected %f, got %f", i, expected, v)
		}
	}
}

func TestRunner_AlignedArrays(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	n := 10
	kr := NewRunner(device, builder.Config{NumValues: n, WorkGroupSize: 3})
	defer kr.Free()

	hostData := make([]float32, n)
	for i := range hostData {
		hostData[i] = float32(i + 1)
	}

	require.NoError(t, kr.DefineBindings(
		builder.InOut("data").Bind(hostData).Align(builder.CacheLineAlign),
	))
	require.NoError(t, kr.AllocateDevice())

	offsets, err := kr.GetOffsets("data")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 16, 32, 48, 64}, offsets)

	size, err := kr.GetArrayLogicalSize("data")
	require.NoError(t, err)
	assert.Equal(t, n, size)

	_, err = kr.ConfigureKernel("squareInPlace", kr.Param("data").Copy())
	require.NoError(t, err)
	signature, err := kr.GetKernelSignatureForConfig("squareInPlace")
	require.NoError(t, err)
	_, err = kr.BuildKernel(fmt.Sprintf(squareInPlace, signature), "squareInPlace")
	require.NoError(t, err)
	require.NoError(t, kr.ExecuteKernel("squareInPlace"))

	for i, v := range hostData {
		expected := float32((i + 1) * (i + 1))
		assert.Equal(t, expected, v, "element %d", i)
	}
}

func TestRunner_StaticMatrix(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	n := 6
	kr := NewRunner(device, builder.Config{NumValues: n, WorkGroupSize: 4})
	defer kr.Free()

	// Each element is a 2-vector, rotated by 90 degrees
	in := []float32{1, 0, 0, 1, 1, 1, 2, 3, -1, 0, 0, -2}
	out := make([]float32, len(in))
	rot := mat.NewDense(2, 2, []float64{0, -1, 1, 0})

	require.NoError(t, kr.DefineBindings(
		builder.Input("in").Bind(in),
		builder.Output("out").Bind(out),
		builder.Input("R").Bind(rot).ToMatrix().Static(),
	))
	require.NoError(t, kr.AllocateDevice())
	_, err := kr.ConfigureKernel("rotate",
		kr.Param("in").CopyTo(),
		kr.Param("out").CopyBack(),
		kr.Param("R"),
	)
	require.NoError(t, err)

	signature, err := kr.GetKernelSignatureForConfig("rotate")
	require.NoError(t, err)
	assert.NotContains(t, signature, " R", "static matrices are not arguments")

	source := fmt.Sprintf(`
@kernel void rotate(
	%s
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		const real_t* in = in_PART(part);
		real_t* out = out_PART(part);
		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				out[2*i]     = R[0][0]*in[2*i] + R[0][1]*in[2*i + 1];
				out[2*i + 1] = R[1][0]*in[2*i] + R[1][1]*in[2*i + 1];
			}
		}
	}
}`, signature)
	_, err = kr.BuildKernel(source, "rotate")
	require.NoError(t, err)
	require.NoError(t, kr.ExecuteKernel("rotate"))

	assert.Equal(t, []float32{0, 1, -1, 0, -1, 1, -3, 2, 0, -1, 2, 0}, out)
}

func TestRunner_Errors(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr := NewRunner(device, builder.Config{NumValues: 8, WorkGroupSize: 8})
	defer kr.Free()

	assert.Error(t, kr.AllocateDevice(), "no bindings")

	_, err := kr.ConfigureKernel("k", kr.Param("x"))
	assert.Error(t, err, "not allocated")

	assert.Error(t, kr.DefineBindings(builder.Input("bad").Bind(make([]float32, 5))),
		"5 values do not divide over 8 elements")

	require.NoError(t, kr.DefineBindings(builder.Input("x").Bind(make([]float32, 8))))
	assert.Error(t, kr.DefineBindings(builder.Input("x").Bind(make([]float32, 8))), "duplicate")
	require.NoError(t, kr.AllocateDevice())
	assert.Error(t, kr.AllocateDevice(), "already allocated")
	assert.Error(t, kr.DefineBindings(builder.Input("y").Bind(make([]float32, 8))))

	_, err = kr.ConfigureKernel("k", kr.Param("missing"))
	assert.Error(t, err)

	assert.Error(t, kr.ExecuteKernel("unconfigured"))
	_, err = kr.ConfigureKernel("k", kr.Param("x").CopyTo())
	require.NoError(t, err)
	assert.Error(t, kr.ExecuteKernel("k"), "not compiled")

	assert.Error(t, kr.CopyToDevice("missing"))
	assert.NoError(t, kr.CopyToDevice("x"))
	assert.NoError(t, kr.CopyFromDevice("x"))

	dt, err := kr.GetArrayType("x")
	require.NoError(t, err)
	assert.Equal(t, builder.Float32, dt)
	_, err = kr.GetArrayType("missing")
	assert.Error(t, err)
}

func TestRunner_CopyConfig(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr := NewRunner(device, builder.Config{NumValues: 12, WorkGroupSize: 5})
	defer kr.Free()

	src := make([]int32, 12)
	for i := range src {
		src[i] = int32(3 * i)
	}
	require.NoError(t, kr.DefineBindings(
		builder.InOut("ids").Bind(src).Align(builder.WarpAlign),
	))
	require.NoError(t, kr.AllocateDevice())
	assert.True(t, kr.HasBinding("ids"))

	upload, err := kr.ConfigureCopy(kr.Param("ids").CopyTo())
	require.NoError(t, err)
	require.NoError(t, kr.ExecuteCopy(upload))

	// Clobber the host copy, then read the device copy back
	for i := range src {
		src[i] = -1
	}
	download, err := kr.ConfigureCopy(kr.Param("ids").CopyBack())
	require.NoError(t, err)
	require.NoError(t, kr.ExecuteCopy(download))

	for i, v := range src {
		assert.Equal(t, int32(3*i), v, "element %d", i)
	}
	assert.Error(t, kr.ExecuteCopy(nil))

	cfg, err := kr.ConfigureKernel("noop", kr.Param("ids").NoCopy())
	require.NoError(t, err)
	assert.True(t, cfg.HasParameter("ids"))
	assert.False(t, cfg.HasParameter("other"))
	assert.Equal(t, NoAction, cfg.GetParameter("ids").Actions)
}

func TestRunner_BindingCopyFlags(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	t.Run("copy_to_uploads_on_allocate", func(t *testing.T) {
		kr := NewRunner(device, builder.Config{NumValues: 10, WorkGroupSize: 4})
		defer kr.Free()

		src := make([]float64, 10)
		for i := range src {
			src[i] = float64(i) + 0.5
		}
		require.NoError(t, kr.DefineBindings(builder.InOut("x").Bind(src).CopyTo()))
		require.NoError(t, kr.AllocateDevice())

		for i := range src {
			src[i] = 0
		}
		require.NoError(t, kr.CopyFromDevice("x"))
		for i, v := range src {
			assert.Equal(t, float64(i)+0.5, v, "element %d", i)
		}
	})

	t.Run("copy_back_is_default_action", func(t *testing.T) {
		kr := NewRunner(device, builder.Config{NumValues: 16, WorkGroupSize: 5})
		defer kr.Free()

		hostData := make([]float32, 16)
		for i := range hostData {
			hostData[i] = float32(i)
		}
		require.NoError(t, kr.DefineBindings(builder.InOut("data").Bind(hostData).Copy()))
		require.NoError(t, kr.AllocateDevice())

		cfg, err := kr.ConfigureKernel("squareInPlace", kr.Param("data"))
		require.NoError(t, err)
		assert.Equal(t, CopyBack, cfg.GetParameter("data").Actions)

		signature, err := kr.GetKernelSignatureForConfig("squareInPlace")
		require.NoError(t, err)
		_, err = kr.BuildKernel(fmt.Sprintf(squareInPlace, signature), "squareInPlace")
		require.NoError(t, err)
		require.NoError(t, kr.ExecuteKernel("squareInPlace"))

		for i, v := range hostData {
			assert.Equal(t, float32(i*i), v, "element %d", i)
		}
	})

	t.Run("no_copy_clears_default", func(t *testing.T) {
		kr := NewRunner(device, builder.Config{NumValues: 4, WorkGroupSize: 4})
		defer kr.Free()

		require.NoError(t, kr.DefineBindings(builder.Output("out").Bind(make([]float32, 4)).CopyBack()))
		require.NoError(t, kr.AllocateDevice())
		assert.Equal(t, CopyBack, kr.Param("out").actions)
		assert.Equal(t, NoAction, kr.Param("out").NoCopy().actions)
	})
}

func TestRunner_Free(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr := NewRunner(device, builder.Config{NumValues: 8, WorkGroupSize: 4})
	hostData := make([]float32, 8)
	require.NoError(t, kr.DefineBindings(builder.InOut("data").Bind(hostData)))
	require.NoError(t, kr.AllocateDevice())
	_, err := kr.ConfigureKernel("squareInPlace", kr.Param("data").Copy())
	require.NoError(t, err)

	kr.Free()
	assert.False(t, kr.IsAllocated)
	assert.Empty(t, kr.AllocatedArrays)
	assert.Empty(t, kr.PooledMemory)
	assert.Nil(t, kr.GetMemory("data"))
	_, err = kr.GetOffsets("data")
	assert.Error(t, err)

	assert.Error(t, kr.AllocateDevice())
	assert.Error(t, kr.DefineBindings(builder.Input("x").Bind(make([]float32, 8))))
	assert.Error(t, kr.ExecuteKernel("squareInPlace"))
	assert.NotPanics(t, kr.Free)
}
