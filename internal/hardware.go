package internal

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

type Device string

const (
	DeviceAuto Device = "auto"
	DeviceMPS  Device = "mps"
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

func DetectHardware() Device {
	if isMPS() {
		return DeviceMPS
	}
	if isCUDA() {
		return DeviceCUDA
	}
	return DeviceCPU
}

// ResolveDevice maps a configured device name to the one inference runs on.
// "auto" and "" detect the hardware.
func ResolveDevice(name string) (Device, error) {
	switch Device(name) {
	case "", DeviceAuto:
		return DetectHardware(), nil
	case DeviceCPU, DeviceCUDA, DeviceMPS:
		return Device(name), nil
	default:
		return "", fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, name)
	}
}

func isMPS() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func isCUDA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}
