package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notargets/gocca"
)

// ErrNoDevice is returned when no backend of the requested kinds opens
var ErrNoDevice = errors.New("no compute device available")

// DeviceKind selects a family of OCCA backends
type DeviceKind int

const (
	// GPU selects the accelerator backends: CUDA, HIP, OpenCL and Metal
	GPU DeviceKind = iota
	// CPU selects the host backends: OpenMP, then Serial
	CPU
)

func (k DeviceKind) String() string {
	if k == GPU {
		return "GPU"
	}
	return "CPU"
}

// Backend property strings in the order they are tried
var backends = map[DeviceKind][]string{
	GPU: {
		`{"mode": "CUDA", "device_id": 0}`,
		`{"mode": "HIP", "device_id": 0}`,
		`{"mode": "OpenCL", "platform_id": 0, "device_id": 0}`,
		`{"mode": "Metal", "device_id": 0}`,
	},
	CPU: {
		`{"mode": "OpenMP"}`,
		`{"mode": "Serial"}`,
	},
}

// BackendProps returns the OCCA property strings tried for kind
func BackendProps(kind DeviceKind) []string {
	return append([]string(nil), backends[kind]...)
}

// CreateDevice opens the first backend that works, trying every backend of
// each kind in order. Without kinds it prefers a GPU and falls back to the CPU.
func CreateDevice(kinds ...DeviceKind) (*gocca.OCCADevice, error) {
	if len(kinds) == 0 {
		kinds = []DeviceKind{GPU, CPU}
	}

	var tried []string
	for _, kind := range kinds {
		for _, props := range backends[kind] {
			device, err := gocca.NewDevice(props)
			if err == nil {
				return device, nil
			}
			tried = append(tried, props)
		}
	}

	return nil, fmt.Errorf("%w: tried %s", ErrNoDevice, strings.Join(tried, ", "))
}

// CreateDeviceFromProps opens a device from an explicit OCCA property string
func CreateDeviceFromProps(props string) (*gocca.OCCADevice, error) {
	device, err := gocca.NewDevice(props)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", props, err)
	}
	return device, nil
}

// CreateTestDevice creates a Device for testing, preferring parallel backends
func CreateTestDevice() *gocca.OCCADevice {
	device, err := CreateDevice(CPU)
	if err != nil {
		panic(fmt.Sprintf("Failed to create any Device: %v", err))
	}
	return device
}

// IsGPU reports whether an OCCA mode runs on an accelerator
func IsGPU(mode string) bool {
	switch mode {
	case "CUDA", "HIP", "OpenCL", "Metal", "dpcpp":
		return true
	default:
		return false
	}
}

// DescribeDevice returns a printable name for the device in use
func DescribeDevice(device *gocca.OCCADevice) string {
	if device == nil {
		return "no device"
	}
	mode := device.Mode()
	kind := CPU
	if IsGPU(mode) {
		kind = GPU
	}
	return fmt.Sprintf("%s %s device", mode, kind)
}

// SuggestedWorkGroupSize returns the local size to dispatch with on a mode.
// Accelerators get a quarter of their 1024 inner-loop limit, host backends
// run the inner loop serially and take the full limit.
func SuggestedWorkGroupSize(mode string) int {
	if IsGPU(mode) {
		return 256
	}
	return 1024
}
