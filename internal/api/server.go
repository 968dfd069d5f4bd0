// Package api serves configuration queries, device information and verified
// benchmark runs over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/bench"
	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dispatch"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/kernel"
	"github.com/samcharles93/scaledmm/internal/logger"
	"github.com/samcharles93/scaledmm/internal/sparse"
	"github.com/samcharles93/scaledmm/internal/workspace"
)

const (
	maxElements       = 1 << 22
	maxRuns           = 100
	defaultStoreLimit = 256
)

type Server struct {
	dispatcher *dispatch.Dispatcher
	runner     *bench.Runner
	store      *RunStore
	log        logger.Logger
	clock      func() time.Time
	// runs serialises benchmark runs so timings do not interfere.
	runs chan struct{}
}

func NewServer(d *dispatch.Dispatcher, store *RunStore, log logger.Logger) *Server {
	if store == nil {
		store = NewRunStore(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		dispatcher: d,
		runner:     bench.NewRunner(d, log),
		store:      store,
		log:        log,
		clock:      time.Now,
		runs:       make(chan struct{}, 1),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/config", s.handleSelect)
	e.GET("/v1/config/candidates", s.handleCandidates)
	e.GET("/v1/device", s.handleDevice)

	e.POST("/v1/runs", s.handleCreateRun)
	e.GET("/v1/runs", s.handleListRuns)
	e.GET("/v1/runs/:id", s.handleGetRun)
}

func familyParam(c *echo.Context) (dtype.Family, error) {
	raw := c.QueryParam("family")
	if raw == "" {
		return dtype.FamilyUnknown, newInvalidRequest("family is required")
	}
	f, err := dtype.ParseFamily(raw)
	if err != nil {
		return dtype.FamilyUnknown, newInvalidRequest(err.Error())
	}
	return f, nil
}

func (s *Server) handleSelect(c *echo.Context) error {
	f, err := familyParam(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	m, err := intParam(c, "m", 0)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	n, err := intParam(c, "n", 0)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if m == 0 || n == 0 {
		return writeBadRequest(c, "m and n are required")
	}
	cfg, err := config.Select(f, m, n)
	if err != nil {
		return writeError(c, http.StatusUnprocessableEntity, "no_config_error", err.Error())
	}
	return writeJSON(c, http.StatusOK, ConfigResponse{
		Object: "config",
		Family: f,
		M:      m,
		N:      n,
		Config: configInfo(cfg),
	})
}

func (s *Server) handleCandidates(c *echo.Context) error {
	f, err := familyParam(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp := CandidatesResponse{Object: "list", Family: f}
	for _, cfg := range config.Candidates(f) {
		resp.Data = append(resp.Data, configInfo(cfg))
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDevice(c *echo.Context) error {
	dev := s.dispatcher.Device()
	resp := DeviceResponse{
		Object:       "device",
		Device:       dev,
		RequiredArch: kernel.RequiredArch,
		Supported:    dev.Supports(kernel.RequiredArch),
	}
	if info, err := device.Probe(); err == nil {
		resp.Accelerators = info.Accelerators
	}
	supported := s.dispatcher.Supported()
	resp.Kernels = len(supported)
	if c.QueryParam("kernels") == "true" {
		for _, k := range supported {
			resp.KernelNames = append(resp.KernelNames, k.Name())
		}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleCreateRun(c *echo.Context) error {
	req, err := decodeJSON[RunRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := req.validate(); err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	select {
	case s.runs <- struct{}{}:
		defer func() { <-s.runs }()
	case <-ctx.Done():
		return writeError(c, http.StatusServiceUnavailable, "server_error", ctx.Err().Error())
	}

	run := Run{
		ID:        newRunID(),
		Object:    "run",
		CreatedAt: s.clock().Unix(),
		Request:   req,
	}
	res, err := s.runner.Run(ctx, req.options())
	run.CompletedAt = s.clock().Unix()
	status := http.StatusOK
	switch {
	case err != nil:
		run.Status = "failed"
		status, run.Error = classify(err)
		s.log.Warn("run failed", "id", run.ID, "error", err)
	case res.Report != nil && !res.Report.OK():
		run.Status = "mismatch"
		run.Result = res
	default:
		run.Status = "completed"
		run.Result = res
	}
	s.store.Save(run)
	s.log.Info("run finished", "id", run.ID, "status", run.Status)
	return writeJSON(c, status, run)
}

func (s *Server) handleListRuns(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.store.List(),
	})
}

func (s *Server) handleGetRun(c *echo.Context) error {
	id := c.Param("id")
	run, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "run not found")
	}
	return writeJSON(c, http.StatusOK, run)
}

// classify maps a run failure to an HTTP status and error body.
func classify(err error) (int, *ErrorBody) {
	body := &ErrorBody{Message: err.Error()}
	switch {
	case errors.Is(err, kernel.ErrUnsupportedArch):
		body.Type = "unsupported_arch_error"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, kernel.ErrNotImplementable),
		errors.Is(err, epilogue.ErrTypeMismatch),
		errors.Is(err, config.ErrNoConfig),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, sparse.ErrShape):
		body.Type = "not_implementable_error"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, workspace.ErrInUse), errors.Is(err, workspace.ErrTooSmall):
		body.Type = "workspace_error"
		return http.StatusServiceUnavailable, body
	default:
		body.Type = "server_error"
		return http.StatusInternalServerError, body
	}
}
