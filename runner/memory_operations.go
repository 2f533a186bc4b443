package runner

import (
	"fmt"
	"unsafe"

	"github.com/notargets/clsquare/runner/builder"
	"github.com/notargets/gocca"
)

type number interface {
	~float32 | ~float64 | ~int32 | ~int64
}

// arrayLayout describes where each workgroup's values live in device memory
type arrayLayout struct {
	offsets          []int64
	k                []int
	valuesPerElement int64
}

// executeCopyActions is the copy engine used by all copy operations
func (kr *Runner) executeCopyActions(actions []ParameterUsage) error {
	for _, param := range actions {
		if param.Actions == NoAction {
			continue
		}

		if param.HasAction(CopyTo) {
			if err := kr.copyToDeviceFromBinding(param.Binding); err != nil {
				return fmt.Errorf("failed to copy %s to device: %w", param.Binding.Name, err)
			}
		}

		if param.HasAction(CopyBack) {
			if err := kr.copyFromDeviceFromBinding(param.Binding); err != nil {
				return fmt.Errorf("failed to copy %s from device: %w", param.Binding.Name, err)
			}
		}
	}
	return nil
}

// CopyToDevice copies a single parameter from host to device
func (kr *Runner) CopyToDevice(name string) error {
	binding := kr.GetBinding(name)
	if binding == nil {
		return fmt.Errorf("binding %s not found", name)
	}
	return kr.executeCopyActions([]ParameterUsage{{Binding: binding, Actions: CopyTo}})
}

// CopyFromDevice copies a single parameter from device to host
func (kr *Runner) CopyFromDevice(name string) error {
	binding := kr.GetBinding(name)
	if binding == nil {
		return fmt.Errorf("binding %s not found", name)
	}
	return kr.executeCopyActions([]ParameterUsage{{Binding: binding, Actions: CopyBack}})
}

// copyToDeviceFromBinding performs host→device copy using DeviceBinding.
// Scalars are passed by value and static matrices live in the preamble.
func (kr *Runner) copyToDeviceFromBinding(binding *DeviceBinding) error {
	if binding.HostBinding == nil || binding.IsScalar || binding.IsMatrix {
		return nil
	}

	mem, layout, err := kr.arrayResources(binding.Name)
	if err != nil {
		return err
	}

	deviceData, err := convertHostSlice(binding.HostBinding, binding.DeviceType)
	if err != nil {
		return err
	}

	switch data := deviceData.(type) {
	case []float32:
		uploadPacked(mem, data, layout)
	case []float64:
		uploadPacked(mem, data, layout)
	case []int32:
		uploadPacked(mem, data, layout)
	case []int64:
		uploadPacked(mem, data, layout)
	}
	return nil
}

// copyFromDeviceFromBinding performs device→host copy using DeviceBinding
func (kr *Runner) copyFromDeviceFromBinding(binding *DeviceBinding) error {
	if binding.HostBinding == nil || binding.IsScalar || binding.IsMatrix {
		return nil
	}

	mem, layout, err := kr.arrayResources(binding.Name)
	if err != nil {
		return err
	}

	switch binding.DeviceType {
	case builder.Float32:
		return storeHostSlice(downloadPacked[float32](mem, layout), binding.HostBinding)
	case builder.Float64:
		return storeHostSlice(downloadPacked[float64](mem, layout), binding.HostBinding)
	case builder.INT32:
		return storeHostSlice(downloadPacked[int32](mem, layout), binding.HostBinding)
	case builder.INT64:
		return storeHostSlice(downloadPacked[int64](mem, layout), binding.HostBinding)
	default:
		return fmt.Errorf("unsupported device type %v for %s", binding.DeviceType, binding.Name)
	}
}

func (kr *Runner) arrayResources(name string) (*gocca.OCCAMemory, arrayLayout, error) {
	mem := kr.GetMemory(name)
	if mem == nil {
		return nil, arrayLayout{}, fmt.Errorf("no device memory allocated for %s", name)
	}
	meta, exists := kr.arrayMetadata[name]
	if !exists {
		return nil, arrayLayout{}, fmt.Errorf("array %s allocated but metadata missing", name)
	}
	return mem, arrayLayout{
		offsets:          meta.offsets,
		k:                kr.K,
		valuesPerElement: kr.ValuesPerElement(meta.spec),
	}, nil
}

// uploadPacked scatters the contiguous host values into the aligned
// workgroup layout and copies the whole array to the device.
func uploadPacked[T number](mem *gocca.OCCAMemory, src []T, layout arrayLayout) {
	total := layout.offsets[len(layout.offsets)-1]
	packed := src
	if int64(len(src)) != total {
		packed = make([]T, total)
		var pos int64
		for part, kp := range layout.k {
			n := int64(kp) * layout.valuesPerElement
			copy(packed[layout.offsets[part]:layout.offsets[part]+n], src[pos:pos+n])
			pos += n
		}
	}
	var zero T
	mem.CopyFrom(unsafe.Pointer(&packed[0]), total*int64(unsafe.Sizeof(zero)))
}

// downloadPacked reads the whole device array and gathers the workgroups
// back into a contiguous slice.
func downloadPacked[T number](mem *gocca.OCCAMemory, layout arrayLayout) []T {
	total := layout.offsets[len(layout.offsets)-1]
	packed := make([]T, total)
	var zero T
	mem.CopyTo(unsafe.Pointer(&packed[0]), total*int64(unsafe.Sizeof(zero)))

	var logical int64
	for _, kp := range layout.k {
		logical += int64(kp) * layout.valuesPerElement
	}
	if logical == total {
		return packed
	}

	out := make([]T, 0, logical)
	for part, kp := range layout.k {
		n := int64(kp) * layout.valuesPerElement
		out = append(out, packed[layout.offsets[part]:layout.offsets[part]+n]...)
	}
	return out
}

// convertHostSlice returns the host values as a slice of the device type
func convertHostSlice(host interface{}, deviceType builder.DataType) (interface{}, error) {
	switch data := host.(type) {
	case []float32:
		return convertTo(data, deviceType)
	case []float64:
		return convertTo(data, deviceType)
	case []int32:
		return convertTo(data, deviceType)
	case []int64:
		return convertTo(data, deviceType)
	default:
		return nil, fmt.Errorf("unsupported type for copy: %T", host)
	}
}

func convertTo[T number](src []T, deviceType builder.DataType) (interface{}, error) {
	switch deviceType {
	case builder.Float32:
		return convertSlice[T, float32](src), nil
	case builder.Float64:
		return convertSlice[T, float64](src), nil
	case builder.INT32:
		return convertSlice[T, int32](src), nil
	case builder.INT64:
		return convertSlice[T, int64](src), nil
	default:
		return nil, fmt.Errorf("unsupported conversion from %T to %v", src, deviceType)
	}
}

// storeHostSlice writes device values into the host slice, converting types
func storeHostSlice[T number](src []T, host interface{}) error {
	switch dst := host.(type) {
	case []float32:
		return copyConverted(dst, src)
	case []float64:
		return copyConverted(dst, src)
	case []int32:
		return copyConverted(dst, src)
	case []int64:
		return copyConverted(dst, src)
	default:
		return fmt.Errorf("unsupported host type for copy: %T", host)
	}
}

func copyConverted[D, S number](dst []D, src []S) error {
	if len(dst) != len(src) {
		return fmt.Errorf("host slice holds %d values, device array %d", len(dst), len(src))
	}
	for i, v := range src {
		dst[i] = D(v)
	}
	return nil
}

func convertSlice[S, D number](src []S) []D {
	if same, ok := any(src).([]D); ok {
		return same
	}
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}
