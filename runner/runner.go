package runner

import (
	"fmt"
	"unsafe"

	"github.com/notargets/clsquare/runner/builder"
	"github.com/notargets/gocca"
)

// Inner loop limits of the accelerator backends
const (
	cudaInnerLimit   = 1024
	openCLInnerLimit = 1024
)

// ArrayMetadata stores information about allocated arrays
type ArrayMetadata struct {
	spec     builder.ArraySpec
	dataType builder.DataType
	isOutput bool
	offsets  []int64
}

// Runner orchestrates kernel compilation and synchronous execution over a
// workgroup layout on a single device.
type Runner struct {
	*builder.Builder
	Device        *gocca.OCCADevice
	Kernels       map[string]*gocca.OCCAKernel
	PooledMemory  map[string]*gocca.OCCAMemory
	Bindings      map[string]*DeviceBinding
	KernelConfigs map[string]*KernelConfig
	IsAllocated   bool
	arrayMetadata map[string]ArrayMetadata
	freed         bool
}

// NewRunner creates a new Runner instance and uploads the workgroup sizes
func NewRunner(device *gocca.OCCADevice, cfg builder.Config) (kr *Runner) {
	if device == nil {
		panic("device cannot be nil")
	}
	bld := builder.NewBuilder(cfg)
	if err := checkInnerLimit(device.Mode(), bld.KpartMax); err != nil {
		panic(err.Error())
	}

	kr = &Runner{
		Builder:       bld,
		Device:        device,
		Kernels:       make(map[string]*gocca.OCCAKernel),
		PooledMemory:  make(map[string]*gocca.OCCAMemory),
		Bindings:      make(map[string]*DeviceBinding),
		KernelConfigs: make(map[string]*KernelConfig),
		arrayMetadata: make(map[string]ArrayMetadata),
	}

	kr.PooledMemory["K"] = kr.mallocInts(toInt64(bld.K))
	return
}

// CheckWorkGroupSize returns an error when numValues split into workgroups
// of wgs values cannot run on device. NewRunner panics in those cases.
func CheckWorkGroupSize(device *gocca.OCCADevice, numValues, wgs int) error {
	if numValues <= 0 {
		return fmt.Errorf("number of values must be positive, got %d", numValues)
	}
	if wgs <= 0 {
		return fmt.Errorf("workgroup size must be positive, got %d", wgs)
	}
	return checkInnerLimit(device.Mode(), min(numValues, wgs))
}

func checkInnerLimit(mode string, kpartMax int) error {
	switch mode {
	case "CUDA", "HIP":
		if kpartMax > cudaInnerLimit {
			return fmt.Errorf("%s @inner limit exceeded: KpartMax=%d but the limit is %d threads. Reduce the workgroup size.",
				mode, kpartMax, cudaInnerLimit)
		}
	case "OpenCL":
		if kpartMax > openCLInnerLimit {
			return fmt.Errorf("OpenCL work group size limit exceeded: KpartMax=%d but the limit is %d. Reduce the workgroup size.",
				kpartMax, openCLInnerLimit)
		}
	}
	return nil
}

// BuildKernel compiles and registers a kernel with the program
func (kr *Runner) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	kr.GeneratePreamble()
	fullSource := kr.KernelPreamble + "\n" + kernelSource

	var kernel *gocca.OCCAKernel
	var err error

	if kr.Device.Mode() == "OpenMP" {
		// OpenMP doesn't get the default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = kr.Device.BuildKernelFromString(fullSource, kernelName, props)
	} else {
		kernel, err = kr.Device.BuildKernelFromString(fullSource, kernelName, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}

	if old, exists := kr.Kernels[kernelName]; exists {
		old.Free()
	}
	kr.Kernels[kernelName] = kernel
	return kernel, nil
}

// GetMemory returns the device memory for a named array
func (kr *Runner) GetMemory(arrayName string) *gocca.OCCAMemory {
	return kr.PooledMemory[arrayName+"_global"]
}

// GetOffsets returns the host copy of the workgroup offsets of an array
func (kr *Runner) GetOffsets(arrayName string) ([]int64, error) {
	meta, exists := kr.arrayMetadata[arrayName]
	if !exists {
		return nil, fmt.Errorf("array %s not found", arrayName)
	}
	return meta.offsets, nil
}

// GetArrayType returns the data type of an allocated array
func (kr *Runner) GetArrayType(name string) (builder.DataType, error) {
	meta, exists := kr.arrayMetadata[name]
	if !exists {
		return 0, fmt.Errorf("array %s not found", name)
	}
	return meta.dataType, nil
}

// GetArrayLogicalSize returns the number of values the array was allocated for
func (kr *Runner) GetArrayLogicalSize(name string) (int, error) {
	meta, exists := kr.arrayMetadata[name]
	if !exists {
		return 0, fmt.Errorf("array %s not found", name)
	}
	return int(meta.spec.Size / SizeOfType(meta.dataType)), nil
}

// Free releases all device resources and clears the allocation state.
// A freed runner cannot be allocated again.
func (kr *Runner) Free() {
	for name, kernel := range kr.Kernels {
		kernel.Free()
		delete(kr.Kernels, name)
	}
	for name, mem := range kr.PooledMemory {
		mem.Free()
		delete(kr.PooledMemory, name)
	}
	clear(kr.KernelConfigs)
	clear(kr.arrayMetadata)
	kr.AllocatedArrays = nil
	kr.IsAllocated = false
	kr.freed = true
}

// allocateSingleArray allocates the global data and offset arrays of spec
func (kr *Runner) allocateSingleArray(spec builder.ArraySpec) error {
	if _, exists := kr.arrayMetadata[spec.Name]; exists {
		return fmt.Errorf("array %s already allocated", spec.Name)
	}

	offsets, totalSize := kr.CalculateAlignedOffsetsAndSize(spec)
	if totalSize <= 0 {
		return fmt.Errorf("array %s has no storage", spec.Name)
	}

	kr.PooledMemory[spec.Name+"_global"] = kr.Device.Malloc(totalSize, nil, nil)
	kr.PooledMemory[spec.Name+"_offsets"] = kr.mallocInts(offsets)

	kr.AllocatedArrays = append(kr.AllocatedArrays, spec.Name)
	kr.arrayMetadata[spec.Name] = ArrayMetadata{
		spec:     spec,
		dataType: spec.DataType,
		isOutput: spec.IsOutput,
		offsets:  offsets,
	}
	return nil
}

// mallocInts allocates an int_t array initialised from values
func (kr *Runner) mallocInts(values []int64) *gocca.OCCAMemory {
	if kr.GetIntSize() == 4 {
		values32 := make([]int32, len(values))
		for i, v := range values {
			values32[i] = int32(v)
		}
		return kr.Device.Malloc(int64(len(values32)*4), unsafe.Pointer(&values32[0]), nil)
	}
	return kr.Device.Malloc(int64(len(values)*8), unsafe.Pointer(&values[0]), nil)
}

func toInt64(values []int) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
