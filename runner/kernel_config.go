// File: runner/kernel_config.go

package runner

import (
	"fmt"
)

// KernelConfig represents the configuration for a specific kernel execution
// It references bindings and specifies which memory operations to perform
type KernelConfig struct {
	Name       string
	Parameters []ParameterUsage
}

// CopyConfig represents a standalone memory copy operation configuration
type CopyConfig struct {
	Parameters []ParameterUsage
}

// GetParameter finds a parameter usage by name
func (kc *KernelConfig) GetParameter(name string) *ParameterUsage {
	for i := range kc.Parameters {
		if kc.Parameters[i].Binding.Name == name {
			return &kc.Parameters[i]
		}
	}
	return nil
}

// HasParameter checks if a parameter is configured
func (kc *KernelConfig) HasParameter(name string) bool {
	return kc.GetParameter(name) != nil
}

// ConfigureKernel creates a kernel-specific parameter configuration
func (kr *Runner) ConfigureKernel(name string, params ...*ParamConfig) (*KernelConfig, error) {
	usages, err := kr.collectUsages(params)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: %w", name, err)
	}

	config := &KernelConfig{
		Name:       name,
		Parameters: usages,
	}
	kr.KernelConfigs[name] = config
	return config, nil
}

// ConfigureCopy creates a configuration for standalone memory operations
func (kr *Runner) ConfigureCopy(params ...*ParamConfig) (*CopyConfig, error) {
	usages, err := kr.collectUsages(params)
	if err != nil {
		return nil, err
	}
	return &CopyConfig{Parameters: usages}, nil
}

// ExecuteCopy executes a copy configuration
func (kr *Runner) ExecuteCopy(config *CopyConfig) error {
	if config == nil {
		return fmt.Errorf("copy configuration is nil")
	}
	return kr.executeCopyActions(config.Parameters)
}

func (kr *Runner) collectUsages(params []*ParamConfig) ([]ParameterUsage, error) {
	if !kr.IsAllocated {
		return nil, fmt.Errorf("device memory not allocated - call AllocateDevice first")
	}

	usages := make([]ParameterUsage, 0, len(params))
	for _, param := range params {
		if param == nil {
			continue
		}
		if param.binding == nil {
			return nil, fmt.Errorf("parameter %s has no binding", param.name)
		}
		usages = append(usages, ParameterUsage{
			Binding: param.binding,
			Actions: param.actions,
		})
	}
	return usages, nil
}

// Param creates a parameter configuration for a named binding.
// Bindings marked CopyBack start with a CopyBack action.
func (kr *Runner) Param(name string) *ParamConfig {
	pc := &ParamConfig{
		name:    name,
		binding: kr.GetBinding(name),
		actions: NoAction,
	}
	if pc.binding != nil && pc.binding.ParamSpec != nil && pc.binding.ParamSpec.NeedsCopyBack() {
		pc.actions = CopyBack
	}
	return pc
}

// ParamConfig is a lightweight builder for configuring parameter actions
type ParamConfig struct {
	name    string
	binding *DeviceBinding
	actions ActionFlags
}

// CopyTo sets the parameter to copy from host to device
func (pc *ParamConfig) CopyTo() *ParamConfig {
	pc.actions |= CopyTo
	return pc
}

// CopyBack sets the parameter to copy from device to host
func (pc *ParamConfig) CopyBack() *ParamConfig {
	pc.actions |= CopyBack
	return pc
}

// Copy sets the parameter for bidirectional copy
func (pc *ParamConfig) Copy() *ParamConfig {
	pc.actions |= Copy
	return pc
}

// NoCopy explicitly disables all copy operations for this parameter
func (pc *ParamConfig) NoCopy() *ParamConfig {
	pc.actions = NoAction
	return pc
}
