//go:build cuda

// Package native binds the few CUDA runtime entry points needed to enumerate
// devices and their compute capabilities.
package native

/*
#cgo LDFLAGS: -lcudart

// Forward declarations so the package builds without the CUDA headers.
// The linker still requires libcudart when building with the cuda tag.
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);

#define SCALEDMM_ATTR_MULTIPROCESSOR_COUNT 16
#define SCALEDMM_ATTR_COMPUTE_MAJOR 75
#define SCALEDMM_ATTR_COMPUTE_MINOR 76
#define SCALEDMM_ATTR_SHARED_OPTIN 97

static const char* scaledmmCudaGetErrorString(cudaError_t err) {
	return cudaGetErrorString(err);
}

static int scaledmmCudaGetDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int scaledmmCudaAttr(int* out, int attr, int device) {
	return (int)cudaDeviceGetAttribute(out, attr, device);
}
*/
import "C"

import "fmt"

// Props holds the per-device attributes the capability probe reports.
type Props struct {
	Major                     int
	Minor                     int
	Multiprocessors           int
	SharedMemoryPerBlockOptin int
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.scaledmmCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// Properties queries the attributes of device dev.
func Properties(dev int) (Props, error) {
	var p Props
	for _, q := range []struct {
		attr C.int
		dst  *int
	}{
		{C.SCALEDMM_ATTR_COMPUTE_MAJOR, &p.Major},
		{C.SCALEDMM_ATTR_COMPUTE_MINOR, &p.Minor},
		{C.SCALEDMM_ATTR_MULTIPROCESSOR_COUNT, &p.Multiprocessors},
		{C.SCALEDMM_ATTR_SHARED_OPTIN, &p.SharedMemoryPerBlockOptin},
	} {
		var v C.int
		if err := cudaErr(C.scaledmmCudaAttr(&v, q.attr, C.int(dev))); err != nil {
			return Props{}, err
		}
		*q.dst = int(v)
	}
	return p, nil
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.scaledmmCudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
