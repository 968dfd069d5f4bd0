//go:build !cuda

package device

func nativeDevices() ([]Device, error) {
	return nil, nil
}
