// Package device reports the capabilities of the execution device. The probe
// runs once per process; kernels compare its result against the architecture
// they were built for before doing any work.
package device

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Arch is a compute capability encoded as major*10 + minor.
type Arch int

const (
	SM80 Arch = 80
	SM89 Arch = 89
	SM90 Arch = 90
)

func (a Arch) String() string {
	return fmt.Sprintf("sm_%d", int(a))
}

// ParseArch accepts "90", "9.0", "sm90" and "sm_90".
func ParseArch(s string) (Arch, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "sm")
	v = strings.TrimPrefix(v, "_")
	if major, minor, ok := strings.Cut(v, "."); ok {
		v = major + minor
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("device: invalid architecture %q", s)
	}
	return Arch(n), nil
}

// EnvArch overrides the architecture reported by the host device.
const EnvArch = "SCALEDMM_ARCH"

// DefaultSharedMemory is the staging capacity reported for the host device.
const DefaultSharedMemory = 227 * 1024

// Device describes one execution device.
type Device struct {
	Index        int      `json:"index" yaml:"index"`
	Name         string   `json:"name" yaml:"name"`
	Arch         Arch     `json:"arch" yaml:"arch"`
	Units        int      `json:"units" yaml:"units"`
	SharedMemory int      `json:"shared_memory" yaml:"shared_memory"`
	Features     []string `json:"features,omitempty" yaml:"features,omitempty"`
	// Emulated is set for the host device that runs kernels on the CPU.
	Emulated bool `json:"emulated" yaml:"emulated"`
}

// Supports reports whether the device can run code built for required.
func (d Device) Supports(required Arch) bool {
	return d.Arch >= required
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %d units)", d.Name, d.Arch, d.Units)
}

// Info is the result of the capability probe.
type Info struct {
	// Host is the device kernels execute on.
	Host Device `json:"host" yaml:"host"`
	// Accelerators lists native devices found by the runtime, if built in.
	Accelerators []Device `json:"accelerators,omitempty" yaml:"accelerators,omitempty"`
	// AcceleratorErr is set when the native runtime could not be queried.
	AcceleratorErr string `json:"accelerator_error,omitempty" yaml:"accelerator_error,omitempty"`
}

var probe = sync.OnceValues(func() (Info, error) {
	return detect(os.Getenv(EnvArch), runtime.GOMAXPROCS(0))
})

// Probe returns the process-wide capability information. Detection runs on
// the first call only.
func Probe() (Info, error) {
	return probe()
}

// Current is Probe returning only the execution device.
func Current() (Device, error) {
	info, err := Probe()
	if err != nil {
		return Device{}, err
	}
	return info.Host, nil
}

func detect(archEnv string, units int) (Info, error) {
	arch := SM90
	if archEnv != "" {
		a, err := ParseArch(archEnv)
		if err != nil {
			return Info{}, errors.Wrapf(err, "%s", EnvArch)
		}
		arch = a
	}
	host := Host(arch, units)

	info := Info{Host: host}
	accels, err := nativeDevices()
	if err != nil {
		info.AcceleratorErr = err.Error()
	}
	info.Accelerators = accels
	return info, nil
}

// Host builds the emulated host device with the given architecture.
func Host(arch Arch, units int) Device {
	return Device{
		Name:         "host-" + runtime.GOARCH,
		Arch:         arch,
		Units:        max(units, 1),
		SharedMemory: DefaultSharedMemory,
		Features:     cpuFeatures(),
		Emulated:     true,
	}
}

func (a Arch) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Arch) UnmarshalText(b []byte) error {
	v, err := ParseArch(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
