package kernel

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/engine"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/logger"
)

// Outputs lists the output element types kernels are built for.
func Outputs() []dtype.DType {
	return []dtype.DType{dtype.Float16, dtype.BFloat16, dtype.Float32}
}

// Key identifies a registered kernel.
type Key struct {
	Family   dtype.Family
	Out      dtype.DType
	Epilogue epilogue.Kind
	Config   string
}

// KeyOf returns the registry key of a spec.
func KeyOf(spec Spec) Key {
	return Key{Family: spec.Family, Out: spec.Out, Epilogue: spec.Epilogue, Config: spec.Config.Name}
}

// Registry holds every assembled kernel together with the architecture it
// needs.
type Registry struct {
	mu      sync.RWMutex
	kernels map[Key]*Kernel
	log     logger.Logger
}

// NewRegistry assembles the full kernel set: every family, output type,
// valid epilogue and table configuration.
func NewRegistry(eng engine.MMA, log logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Discard()
	}
	r := &Registry{kernels: make(map[Key]*Kernel), log: log}
	for _, f := range dtype.Families() {
		for _, cfg := range config.Candidates(f) {
			for _, out := range Outputs() {
				for _, kind := range epilogue.Kinds() {
					if kind.HasAZP() && f != dtype.FamilyInt8 {
						continue
					}
					k, err := Assemble(Spec{Family: f, Out: out, Epilogue: kind, Config: cfg}, eng)
					if err != nil {
						return nil, errors.Wrapf(err, "assemble %s/%s/%s/%s", f, out, kind, cfg.Name)
					}
					r.Register(k)
				}
			}
		}
	}
	r.log.Debug("kernel registry ready", "kernels", r.Len(), "engine", eng.Name())
	return r, nil
}

// Register adds or replaces a kernel.
func (r *Registry) Register(k *Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[KeyOf(k.spec)] = k
}

// Len returns the number of registered kernels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernels)
}

// Lookup returns the kernel for key if dev can run it.
func (r *Registry) Lookup(key Key, dev device.Device) (*Kernel, error) {
	r.mu.RLock()
	k, ok := r.kernels[key]
	r.mu.RUnlock()
	if !ok {
		return nil, reject(nil, "no kernel for %s/%s/%s/%s", key.Family, key.Out, key.Epilogue, key.Config)
	}
	if !dev.Supports(k.spec.Arch) {
		return nil, errors.Wrapf(ErrUnsupportedArch, "%s requires %s, device %s is %s", k.name, k.spec.Arch, dev.Name, dev.Arch)
	}
	return k, nil
}

// Kernels returns every registered kernel sorted by name.
func (r *Registry) Kernels() []*Kernel {
	r.mu.RLock()
	out := make([]*Kernel, 0, len(r.kernels))
	for _, k := range r.kernels {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Kernel) int {
		return strings.Compare(a.name, b.name)
	})
	return out
}

// Supported returns the kernels dev can run.
func (r *Registry) Supported(dev device.Device) []*Kernel {
	var out []*Kernel
	for _, k := range r.Kernels() {
		if dev.Supports(k.spec.Arch) {
			out = append(out, k)
		}
	}
	return out
}
