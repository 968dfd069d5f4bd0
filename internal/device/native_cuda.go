//go:build cuda

package device

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/device/native"
)

func nativeDevices() ([]Device, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, errors.Wrap(err, "cuda device count")
	}
	out := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		props, err := native.Properties(i)
		if err != nil {
			return out, errors.Wrapf(err, "cuda device %d", i)
		}
		out = append(out, Device{
			Index:        i,
			Name:         "cuda:" + strconv.Itoa(i),
			Arch:         Arch(props.Major*10 + props.Minor),
			Units:        props.Multiprocessors,
			SharedMemory: props.SharedMemoryPerBlockOptin,
		})
	}
	return out, nil
}
