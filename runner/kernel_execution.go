// File: runner/kernel_execution.go

package runner

import (
	"fmt"
	"strings"

	"github.com/notargets/clsquare/runner/builder"
)

// KernelArgument represents a single kernel argument with metadata
type KernelArgument struct {
	Name        string
	Type        string // "int_t*", "real_t*", scalar C type
	MemoryKey   string // Key in PooledMemory, empty for scalars
	IsConst     bool
	Category    string // "system", "array_data", "array_offset", "scalar"
	UserArgName string // base name of array arguments
}

// ExecuteKernel runs a configured kernel synchronously: host→device copies,
// launch, Finish, then device→host copies. Scalars without a host binding
// are taken from scalarValues in configuration order.
func (kr *Runner) ExecuteKernel(name string, scalarValues ...interface{}) error {
	config, exists := kr.KernelConfigs[name]
	if !exists {
		return fmt.Errorf("kernel %s not configured - use ConfigureKernel first", name)
	}

	kernel, exists := kr.Kernels[name]
	if !exists {
		return fmt.Errorf("kernel %s not compiled - use BuildKernel first", name)
	}

	if err := kr.executeCopyActions(filterActions(config.Parameters, CopyTo)); err != nil {
		return fmt.Errorf("pre-kernel copy failed: %w", err)
	}

	args, err := kr.buildKernelArgumentsFromConfig(config, scalarValues)
	if err != nil {
		return fmt.Errorf("failed to build arguments: %w", err)
	}

	if err := kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}

	kr.Device.Finish()

	if err := kr.executeCopyActions(filterActions(config.Parameters, CopyBack)); err != nil {
		return fmt.Errorf("post-kernel copy failed: %w", err)
	}

	return nil
}

func filterActions(params []ParameterUsage, action ActionFlags) []ParameterUsage {
	filtered := make([]ParameterUsage, 0, len(params))
	for _, param := range params {
		if param.HasAction(action) {
			filtered = append(filtered, ParameterUsage{
				Binding: param.Binding,
				Actions: action,
			})
		}
	}
	return filtered
}

// buildKernelArgumentsFromConfig builds kernel arguments using KernelConfig
func (kr *Runner) buildKernelArgumentsFromConfig(config *KernelConfig, scalarValues []interface{}) ([]interface{}, error) {
	kernelArgs := kr.GetKernelArgumentsForConfig(config)
	args := make([]interface{}, 0, len(kernelArgs))
	scalarIdx := 0

	for _, karg := range kernelArgs {
		if karg.Category != "scalar" {
			mem, exists := kr.PooledMemory[karg.MemoryKey]
			if !exists {
				return nil, fmt.Errorf("memory for %s not found", karg.MemoryKey)
			}
			args = append(args, mem)
			continue
		}

		binding := kr.GetBinding(karg.Name)
		switch {
		case binding != nil && binding.HostBinding != nil:
			args = append(args, binding.HostBinding)
		case scalarIdx < len(scalarValues):
			args = append(args, scalarValues[scalarIdx])
			scalarIdx++
		default:
			return nil, fmt.Errorf("scalar %s not provided", karg.Name)
		}
	}

	return args, nil
}

// GetKernelArgumentsForConfig returns kernel arguments based on configuration.
// Order: K, then global/offset pairs of arrays, then scalars.
// Static matrices are embedded in the preamble and take no argument.
func (kr *Runner) GetKernelArgumentsForConfig(config *KernelConfig) []KernelArgument {
	args := []KernelArgument{{
		Name:      "K",
		Type:      "int_t*",
		MemoryKey: "K",
		IsConst:   true,
		Category:  "system",
	}}

	for _, usage := range config.Parameters {
		binding := usage.Binding
		if binding.IsScalar || binding.IsMatrix {
			continue
		}

		args = append(args,
			KernelArgument{
				Name:        binding.Name + "_global",
				Type:        kr.deviceTypeName(binding.DeviceType) + "*",
				MemoryKey:   binding.Name + "_global",
				IsConst:     !binding.IsOutput,
				Category:    "array_data",
				UserArgName: binding.Name,
			},
			KernelArgument{
				Name:        binding.Name + "_offsets",
				Type:        "int_t*",
				MemoryKey:   binding.Name + "_offsets",
				IsConst:     true,
				Category:    "array_offset",
				UserArgName: binding.Name,
			})
	}

	for _, usage := range config.Parameters {
		if usage.Binding.IsScalar {
			args = append(args, KernelArgument{
				Name:     usage.Binding.Name,
				Type:     GetScalarTypeName(usage.Binding.DeviceType),
				IsConst:  true,
				Category: "scalar",
			})
		}
	}

	return args
}

// deviceTypeName maps a device type to the preamble typedef when it matches
func (kr *Runner) deviceTypeName(dt builder.DataType) string {
	switch dt {
	case kr.FloatType:
		return "real_t"
	case kr.IntType:
		return "int_t"
	default:
		return dt.String()
	}
}

// GetSignature generates the kernel parameter list for a configuration
func (kc *KernelConfig) GetSignature(kr *Runner) (string, error) {
	if kr == nil {
		return "", fmt.Errorf("runner is nil")
	}

	args := kr.GetKernelArgumentsForConfig(kc)
	params := make([]string, 0, len(args))
	for _, karg := range args {
		constStr := ""
		if karg.IsConst {
			constStr = "const "
		}
		params = append(params, fmt.Sprintf("%s%s %s", constStr, karg.Type, karg.Name))
	}

	return strings.Join(params, ",\n\t"), nil
}

// GetKernelSignatureForConfig generates kernel signature for a named kernel configuration
func (kr *Runner) GetKernelSignatureForConfig(kernelName string) (string, error) {
	config, exists := kr.KernelConfigs[kernelName]
	if !exists {
		return "", fmt.Errorf("kernel %s not configured", kernelName)
	}

	return config.GetSignature(kr)
}
