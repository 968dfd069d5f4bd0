package api

import (
	"github.com/samcharles93/scaledmm/internal/bench"
	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/reference"
)

type ConfigInfo struct {
	Name        string      `json:"name"`
	Tile        [3]int      `json:"tile"`
	Cluster     [3]int      `json:"cluster"`
	Stages      int         `json:"stages"`
	Mainloop    string      `json:"mainloop"`
	Scheduler   string      `json:"scheduler"`
	Accumulator dtype.DType `json:"accumulator"`
}

func configInfo(c config.Config) ConfigInfo {
	return ConfigInfo{
		Name:        c.Name,
		Tile:        [3]int{c.Tile.M, c.Tile.N, c.Tile.K},
		Cluster:     [3]int{c.Cluster.M, c.Cluster.N, c.Cluster.K},
		Stages:      c.Stages,
		Mainloop:    c.Mainloop.String(),
		Scheduler:   c.Scheduler.String(),
		Accumulator: c.Accumulator,
	}
}

type ConfigResponse struct {
	Object string       `json:"object"`
	Family dtype.Family `json:"family"`
	M      int          `json:"m"`
	N      int          `json:"n"`
	Config ConfigInfo   `json:"config"`
}

type CandidatesResponse struct {
	Object string       `json:"object"`
	Family dtype.Family `json:"family"`
	Data   []ConfigInfo `json:"data"`
}

type DeviceResponse struct {
	Object       string          `json:"object"`
	Device       device.Device   `json:"device"`
	Accelerators []device.Device `json:"accelerators,omitempty"`
	RequiredArch device.Arch     `json:"required_arch"`
	Supported    bool            `json:"supported"`
	Kernels      int             `json:"kernels"`
	KernelNames  []string        `json:"kernel_names,omitempty"`
}

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Family       dtype.Family   `json:"family"`
	Out          dtype.DType    `json:"out"`
	Epilogue     *epilogue.Kind `json:"epilogue,omitempty"`
	M            int            `json:"m"`
	N            int            `json:"n"`
	K            int            `json:"k"`
	Seed         int64          `json:"seed,omitempty"`
	ScalarScales bool           `json:"scalar_scales,omitempty"`
	Warmup       int            `json:"warmup,omitempty"`
	Runs         int            `json:"runs,omitempty"`
	Verify       *bool          `json:"verify,omitempty"`
	Config       string         `json:"config,omitempty"`
	Autotune     bool           `json:"autotune,omitempty"`
}

func (r RunRequest) validate() error {
	switch {
	case r.Family == dtype.FamilyUnknown:
		return newInvalidRequest("family is required")
	case !r.Out.IsOutput():
		return newInvalidRequest("out must be one of f16, bf16, f32")
	case r.M <= 0 || r.N <= 0 || r.K <= 0:
		return newInvalidRequest("m, n and k must be positive")
	case r.M*r.N > maxElements || r.M*r.K > maxElements || r.K*r.N > maxElements:
		return newInvalidRequest("problem too large")
	case r.Warmup < 0 || r.Runs < 0 || r.Runs > maxRuns:
		return newInvalidRequest("runs out of range")
	}
	return nil
}

func (r RunRequest) options() bench.Options {
	kind := epilogue.ScaleOnly
	if r.Epilogue != nil {
		kind = *r.Epilogue
	}
	verify := true
	if r.Verify != nil {
		verify = *r.Verify
	}
	return bench.Options{
		Problem: reference.Spec{
			Family:       r.Family,
			Out:          r.Out,
			Epilogue:     kind,
			M:            r.M,
			N:            r.N,
			K:            r.K,
			Seed:         r.Seed,
			ScalarScales: r.ScalarScales,
		},
		Warmup:   r.Warmup,
		Runs:     r.Runs,
		Verify:   verify,
		Config:   r.Config,
		Autotune: r.Autotune,
	}
}

type Run struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	CreatedAt   int64         `json:"created_at"`
	CompletedAt int64         `json:"completed_at,omitempty"`
	Status      string        `json:"status"`
	Request     RunRequest    `json:"request"`
	Result      *bench.Result `json:"result,omitempty"`
	Error       *ErrorBody    `json:"error,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
