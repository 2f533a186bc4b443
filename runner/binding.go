// File: runner/binding.go

package runner

import (
	"fmt"
	"sort"

	"github.com/notargets/clsquare/runner/builder"
	"gonum.org/v1/gonum/mat"
)

// ActionFlags represents the memory operations to perform for a parameter
type ActionFlags int

const (
	// No action
	NoAction ActionFlags = 0
	// Copy from host to device before kernel execution
	CopyTo ActionFlags = 1 << iota
	// Copy from device to host after kernel execution
	CopyBack
	// Bidirectional copy (CopyTo | CopyBack)
	Copy = CopyTo | CopyBack
)

// DeviceBinding represents a host↔device data binding
type DeviceBinding struct {
	Name string

	// Host data reference, []T, mat.Matrix or a scalar
	HostBinding interface{}

	HostType   builder.DataType
	DeviceType builder.DataType

	Size        int64 // values
	ElementSize int   // bytes per value on device

	IsMatrix bool
	IsStatic bool
	IsScalar bool
	IsTemp   bool

	Alignment builder.AlignmentType
	IsOutput  bool

	ParamSpec *builder.ParamSpec
}

// ParameterUsage represents how a binding is used in a specific kernel or copy operation
type ParameterUsage struct {
	Binding *DeviceBinding
	Actions ActionFlags
}

// HasAction checks if a specific action is set
func (pu *ParameterUsage) HasAction(action ActionFlags) bool {
	return pu.Actions&action != 0
}

// DefineBindings establishes host↔device data relationships.
// Bindings must be defined before AllocateDevice.
func (kr *Runner) DefineBindings(params ...*builder.ParamBuilder) error {
	if kr.freed {
		return fmt.Errorf("runner has been freed")
	}
	if kr.IsAllocated {
		return fmt.Errorf("bindings cannot be defined after AllocateDevice has been called")
	}

	for i, p := range params {
		spec := p.Spec
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		if _, exists := kr.Bindings[spec.Name]; exists {
			return fmt.Errorf("binding %s already defined", spec.Name)
		}

		binding, err := kr.createBindingFromParam(&spec)
		if err != nil {
			return fmt.Errorf("failed to create binding for %s: %w", spec.Name, err)
		}
		kr.Bindings[spec.Name] = binding
	}

	return nil
}

// createBindingFromParam converts a ParamSpec into a DeviceBinding
func (kr *Runner) createBindingFromParam(spec *builder.ParamSpec) (*DeviceBinding, error) {
	binding := &DeviceBinding{
		Name:        spec.Name,
		HostBinding: spec.HostBinding,
		HostType:    spec.DataType,
		DeviceType:  spec.GetEffectiveType(),
		Size:        spec.Size,
		IsMatrix:    spec.IsMatrix,
		IsStatic:    spec.IsStatic,
		Alignment:   spec.Alignment,
		IsOutput:    !spec.IsConst(),
		ParamSpec:   spec,
	}

	switch spec.Direction {
	case builder.DirectionScalar:
		binding.IsScalar = true
		binding.DeviceType = spec.DataType // Scalars don't convert
		binding.Size = 1
	case builder.DirectionTemp:
		binding.IsTemp = true
	}
	binding.ElementSize = int(SizeOfType(binding.DeviceType))

	if binding.IsScalar {
		return binding, nil
	}

	if binding.IsMatrix {
		if !binding.IsStatic {
			return nil, fmt.Errorf("matrix %s must be static", spec.Name)
		}
		if _, ok := spec.HostBinding.(mat.Matrix); !ok {
			return nil, fmt.Errorf("invalid matrix binding type: %T", spec.HostBinding)
		}
		return binding, nil
	}

	if binding.Size%int64(kr.NumValues) != 0 {
		return nil, fmt.Errorf("array %s has %d values, not a multiple of the %d element range",
			spec.Name, binding.Size, kr.NumValues)
	}

	return binding, nil
}

// GetBinding returns a binding by name
func (kr *Runner) GetBinding(name string) *DeviceBinding {
	return kr.Bindings[name]
}

// HasBinding checks if a binding exists
func (kr *Runner) HasBinding(name string) bool {
	_, exists := kr.Bindings[name]
	return exists
}

// AllocateDevice allocates device memory for all defined bindings.
// Arrays are allocated in name order so the preamble is stable. Bindings
// marked CopyTo are uploaded once, right after their memory is allocated.
func (kr *Runner) AllocateDevice() error {
	if kr.freed {
		return fmt.Errorf("runner has been freed")
	}
	if kr.IsAllocated {
		return fmt.Errorf("device memory already allocated")
	}

	if len(kr.Bindings) == 0 {
		return fmt.Errorf("no bindings defined - call DefineBindings first")
	}

	names := make([]string, 0, len(kr.Bindings))
	for name := range kr.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		binding := kr.Bindings[name]
		switch {
		case binding.IsScalar:
			continue
		case binding.IsMatrix:
			kr.AddStaticMatrix(name, binding.HostBinding.(mat.Matrix))
		default:
			if err := kr.allocateArrayFromBinding(binding); err != nil {
				return fmt.Errorf("failed to allocate array %s: %w", name, err)
			}
			if binding.ParamSpec.NeedsCopyTo() {
				if err := kr.copyToDeviceFromBinding(binding); err != nil {
					return fmt.Errorf("initial copy of %s failed: %w", name, err)
				}
			}
		}
	}

	kr.IsAllocated = true
	return nil
}

// allocateArrayFromBinding allocates an array from DeviceBinding
func (kr *Runner) allocateArrayFromBinding(binding *DeviceBinding) error {
	return kr.allocateSingleArray(builder.ArraySpec{
		Name:      binding.Name,
		Size:      binding.Size * int64(binding.ElementSize),
		DataType:  binding.DeviceType,
		Alignment: binding.Alignment,
		IsOutput:  binding.IsOutput,
	})
}
