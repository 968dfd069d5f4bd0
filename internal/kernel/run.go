package kernel

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/engine"
	"github.com/samcharles93/scaledmm/internal/workspace"
)

// headerBytes holds the shared work-queue counter.
const headerBytes = workspace.Align

// Workers is the number of persistent workers a call launches.
func (k *Kernel) Workers(args Args, dev device.Device) int {
	tiles := NewSchedule(k.spec.Config, args.M, args.N).Tiles()
	return max(min(dev.Units, tiles), 1)
}

func (k *Kernel) accBytes() int {
	c := k.spec.Config
	return workspace.AlignUp(c.Tile.M * c.Tile.N * 4)
}

func (k *Kernel) panelBytes() int {
	c := k.spec.Config
	return workspace.AlignUp(c.Tile.K * c.Tile.N * 4)
}

func (k *Kernel) workerBytes() int {
	return k.accBytes() + k.spec.Config.Stages*k.panelBytes()
}

// WorkspaceSize is the scratch a call needs: a header plus, per persistent
// worker, one accumulator tile and Stages packed k-panels.
func (k *Kernel) WorkspaceSize(args Args, dev device.Device) int {
	return headerBytes + k.Workers(args, dev)*k.workerBytes()
}

// Run executes the kernel synchronously on dev using ws as scratch. It
// refuses to run on devices older than the kernel's architecture.
func (k *Kernel) Run(ctx context.Context, args Args, ws []byte, dev device.Device) error {
	if !dev.Supports(k.spec.Arch) {
		return errors.Wrapf(ErrUnsupportedArch, "%s requires %s, device %s is %s", k.name, k.spec.Arch, dev.Name, dev.Arch)
	}
	b, err := k.bind(args)
	if err != nil {
		return err
	}
	need := k.WorkspaceSize(args, dev)
	if len(ws) < need {
		return errors.Wrapf(workspace.ErrTooSmall, "%s needs %d bytes of workspace, got %d", k.name, need, len(ws))
	}
	if uintptr(unsafe.Pointer(&ws[0]))%8 != 0 {
		return reject(nil, "workspace is not 8-byte aligned")
	}

	sched := NewSchedule(k.spec.Config, args.M, args.N)
	next := (*atomic.Int64)(unsafe.Pointer(&ws[0]))
	next.Store(0)

	r := &runner{
		k:     k,
		args:  args,
		b:     b,
		sched: sched,
		meta:  args.A.Words(),
		next:  next,
	}

	workers := k.Workers(args, dev)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		off := headerBytes + w*k.workerBytes()
		scratch := ws[off : off+k.workerBytes()]
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = errors.Errorf("%s: worker panicked: %v", k.name, rec)
				}
			}()
			return r.worker(gctx, scratch)
		})
	}
	return g.Wait()
}

type runner struct {
	k     *Kernel
	args  Args
	b     *bound
	sched Schedule
	meta  []uint16
	next  *atomic.Int64
}

// workerState is the scratch carved for one persistent worker.
type workerState struct {
	acc    engine.Accumulator
	panels []engine.Panel
	full   chan int
	empty  chan int
}

func (r *runner) carve(scratch []byte) *workerState {
	cfg := r.k.spec.Config
	accType := r.k.spec.Family.Accumulator()
	st := &workerState{
		acc:    engine.Accumulator{DType: accType, LD: cfg.Tile.N},
		panels: make([]engine.Panel, cfg.Stages),
	}
	accN := cfg.Tile.M * cfg.Tile.N
	panelN := cfg.Tile.K * cfg.Tile.N
	if accType == dtype.Int32 {
		st.acc.I = int32s(scratch[:r.k.accBytes()], accN)
	} else {
		st.acc.F = float32s(scratch[:r.k.accBytes()], accN)
	}
	for s := range st.panels {
		off := r.k.accBytes() + s*r.k.panelBytes()
		region := scratch[off : off+r.k.panelBytes()]
		if accType == dtype.Int32 {
			st.panels[s].I = int32s(region, panelN)
		} else {
			st.panels[s].F = float32s(region, panelN)
		}
	}
	if cfg.Mainloop == config.WarpSpecialized {
		st.full = make(chan int, cfg.Stages)
		st.empty = make(chan int, cfg.Stages)
	}
	return st
}

func int32s(b []byte, n int) []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), n)
}

func float32s(b []byte, n int) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

// worker pulls tiles from the shared queue until it is exhausted.
func (r *runner) worker(ctx context.Context, scratch []byte) error {
	st := r.carve(scratch)
	slots := int64(r.sched.Slots())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := r.next.Add(1) - 1
		if w >= slots {
			return nil
		}
		tm, tn, ok := r.sched.Tile(int(w))
		if !ok {
			continue
		}
		if err := r.tile(st, tm, tn); err != nil {
			return err
		}
	}
}

// tile computes one output tile: load, multiply-accumulate, epilogue, store.
func (r *runner) tile(st *workerState, tm, tn int) error {
	cfg := r.k.spec.Config
	r0, c0 := tm*cfg.Tile.M, tn*cfg.Tile.N
	rows := min(cfg.Tile.M, r.args.M-r0)
	cols := min(cfg.Tile.N, r.args.N-c0)
	st.acc.Reset(rows, cols)

	a := engine.SparseTile{
		Layout: r.b.layout,
		Values: r.args.A.Values,
		Meta:   r.meta,
		Row0:   r0,
		Rows:   rows,
	}
	var err error
	if cfg.Mainloop == config.WarpSpecialized {
		err = r.pipelined(st, a, c0, cols)
	} else {
		err = r.cooperative(st, a, c0, cols)
	}
	if err != nil {
		return errors.Wrapf(err, "%s tile (%d,%d)", r.k.name, tm, tn)
	}

	if st.acc.DType == dtype.Int32 {
		r.b.epi.StoreInt32(r.args.D, st.acc.I, st.acc.LD, r0, c0, rows, cols)
	} else {
		r.b.epi.StoreFloat32(r.args.D, st.acc.F, st.acc.LD, r0, c0, rows, cols)
	}
	return nil
}

func (r *runner) pack(p *engine.Panel, k0, c0, cols int) {
	kLen := min(r.k.spec.Config.Tile.K, r.args.K-k0)
	engine.PackB(p, r.args.B, r.k.spec.Family.Accumulator(), k0, kLen, c0, cols)
}

// cooperative loads up to Stages panels, then multiplies them, repeatedly.
func (r *runner) cooperative(st *workerState, a engine.SparseTile, c0, cols int) error {
	tk := r.k.spec.Config.Tile.K
	for k0 := 0; k0 < r.args.K; k0 += tk * len(st.panels) {
		n := 0
		for s := range st.panels {
			kk := k0 + s*tk
			if kk >= r.args.K {
				break
			}
			r.pack(&st.panels[s], kk, c0, cols)
			n++
		}
		for s := 0; s < n; s++ {
			if err := r.mma(st, a, &st.panels[s]); err != nil {
				return err
			}
		}
	}
	return nil
}

// mma converts an engine panic into an error so the pipelined consumer keeps
// draining the ring and its producer can exit.
func (r *runner) mma(st *workerState, a engine.SparseTile, p *engine.Panel) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("%s engine panicked: %v", r.k.engine.Name(), rec)
		}
	}()
	return r.k.engine.MMA(&st.acc, a, p)
}

// pipelined runs a producer that packs panels into a ring of Stages slots
// while the caller multiplies completed slots in order.
func (r *runner) pipelined(st *workerState, a engine.SparseTile, c0, cols int) error {
	tk := r.k.spec.Config.Tile.K
	for s := range st.panels {
		st.empty <- s
	}
	var loadErr error
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				loadErr = errors.Errorf("panel load panicked: %v", rec)
			}
			st.full <- -1
		}()
		for k0 := 0; k0 < r.args.K; k0 += tk {
			slot := <-st.empty
			r.pack(&st.panels[slot], k0, c0, cols)
			st.full <- slot
		}
	}()

	var err error
	for {
		slot := <-st.full
		if slot < 0 {
			break
		}
		if err == nil {
			err = r.mma(st, a, &st.panels[slot])
		}
		st.empty <- slot
	}
	// Drain the ring so the next tile starts with every slot free.
	for len(st.empty) > 0 {
		<-st.empty
	}
	if loadErr != nil {
		return loadErr
	}
	return err
}
