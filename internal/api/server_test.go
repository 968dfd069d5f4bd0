package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dispatch"
)

func newTestEcho(t *testing.T, arch device.Arch) *echo.Echo {
	t.Helper()
	d, err := dispatch.New(dispatch.WithDevice(device.Host(arch, 2)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	server := NewServer(d, NewRunStore(4), nil)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestSelectConfig(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, device.SM90)
	rec := doJSON(t, e, http.MethodGet, "/v1/config?family=int8&m=20&n=9000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[ConfigResponse](t, rec)
	if got.Config.Name != "int8_m32_wide" {
		t.Fatalf("config: got %q", got.Config.Name)
	}
	if got.Config.Tile != [3]int{64, 128, 256} || got.Config.Cluster != [3]int{1, 4, 1} {
		t.Fatalf("shape: tile %v cluster %v", got.Config.Tile, got.Config.Cluster)
	}
	if !strings.Contains(rec.Body.String(), `"family":"int8"`) {
		t.Fatalf("family not encoded by name: %s", rec.Body.String())
	}

	for _, path := range []string{
		"/v1/config?m=1&n=1",
		"/v1/config?family=int4&m=1&n=1",
		"/v1/config?family=fp8&m=-1&n=1",
		"/v1/config?family=fp8&n=1",
	} {
		rec := doJSON(t, e, http.MethodGet, path, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, device.SM90)
	rec := doJSON(t, e, http.MethodGet, "/v1/config/candidates?family=fp8", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[CandidatesResponse](t, rec)
	if len(got.Data) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(got.Data))
	}
}

func TestDevice(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, device.SM89)
	rec := doJSON(t, e, http.MethodGet, "/v1/device?kernels=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[DeviceResponse](t, rec)
	if got.Supported || got.Kernels != 0 || len(got.KernelNames) != 0 {
		t.Fatalf("sm_89 device should run no kernels: %+v", got)
	}
	if got.Device.Arch != device.SM89 || got.RequiredArch != device.SM90 {
		t.Fatalf("arch: got %s required %s", got.Device.Arch, got.RequiredArch)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, device.SM90)
	body := `{"family":"int8","out":"bf16","epilogue":"scale_bias_azp","m":24,"n":40,"k":64,"seed":3,"runs":2}`
	rec := doJSON(t, e, http.MethodPost, "/v1/runs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[Run](t, rec)
	if !strings.HasPrefix(created.ID, "run_") {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.Status != "completed" {
		t.Fatalf("expected completed, got %q (%+v)", created.Status, created.Error)
	}
	if created.Result == nil || created.Result.Report == nil || !created.Result.Report.OK() {
		t.Fatalf("expected a verified result: %s", rec.Body.String())
	}
	if len(created.Result.Durations) != 2 {
		t.Fatalf("expected 2 timed runs, got %d", len(created.Result.Durations))
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/runs/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	if got := decode[Run](t, getRec); got.ID != created.ID || got.Result.Kernel != created.Result.Kernel {
		t.Fatalf("stored run differs: %+v", got)
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/runs", "")
	if !strings.Contains(listRec.Body.String(), created.ID) {
		t.Fatalf("list missing run: %s", listRec.Body.String())
	}

	missing := doJSON(t, e, http.MethodGet, "/v1/runs/run_missing", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, device.SM90)
	cases := map[string]string{
		"bad json":      `{"family":`,
		"unknown field": `{"family":"int8","out":"f32","m":1,"n":1,"k":4,"extra":1}`,
		"no family":     `{"out":"f32","m":1,"n":1,"k":4}`,
		"int output":    `{"family":"int8","out":"int8","m":1,"n":1,"k":4}`,
		"zero m":        `{"family":"int8","out":"f32","m":0,"n":1,"k":4}`,
		"too large":     `{"family":"int8","out":"f32","m":100000,"n":100000,"k":4}`,
		"bad epilogue":  `{"family":"int8","out":"f32","epilogue":"gelu","m":1,"n":1,"k":4}`,
	}
	for name, body := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestRunRejected(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, device.SM90)
	rec := doJSON(t, e, http.MethodPost, "/v1/runs", `{"family":"fp8","out":"f32","epilogue":"scale_bias_azp","m":8,"n":8,"k":16}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rec.Code, rec.Body.String())
	}
	run := decode[Run](t, rec)
	if run.Status != "failed" || run.Error == nil || run.Error.Type != "not_implementable_error" {
		t.Fatalf("unexpected run: %+v", run)
	}

	old := newTestEcho(t, device.SM80)
	rec = doJSON(t, old, http.MethodPost, "/v1/runs", `{"family":"int8","out":"f32","m":8,"n":8,"k":16}`)
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "unsupported_arch_error") {
		t.Fatalf("expected unsupported arch, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRunStoreEvicts(t *testing.T) {
	t.Parallel()

	s := NewRunStore(2)
	for i, id := range []string{"a", "b", "c"} {
		s.Save(Run{ID: id, CreatedAt: int64(i)})
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("oldest run should be evicted")
	}
	runs := s.List()
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("unexpected list: %+v", runs)
	}
}
