package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/radguard/internal/engine"
	"github.com/lazypower/radguard/internal/store"
	"github.com/lazypower/radguard/internal/tmr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, opts ...Option) (*Server, *engine.Engine) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng, err := engine.New(db, engine.Options{
		Logger: quietLogger(),
		Wait:   func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Stop)
	if _, err := engine.Protect(eng, "attitude", tmr.Float64, 1.5); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(eng, "test-version", opts...), eng
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv, eng := testServer(t)

	w := do(t, srv, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode(t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
	if body["run_id"] != eng.RunID {
		t.Errorf("run_id = %v, want %s", body["run_id"], eng.RunID)
	}
}

func TestProtectionStatus(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, "GET", "/api/protection", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["level"] != "standard" {
		t.Errorf("level = %v, want standard", body["level"])
	}
	if body["regions"] != float64(1) {
		t.Errorf("regions = %v, want 1", body["regions"])
	}
}

func TestSetLevel(t *testing.T) {
	srv, eng := testServer(t)

	w := do(t, srv, "PUT", "/api/protection", `{"level":"Maximum"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := eng.Controller.Level().String(); got != "maximum" {
		t.Errorf("level = %s, want maximum", got)
	}

	w = do(t, srv, "PUT", "/api/protection", `{"level":"extreme"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad level status = %d, want 400", w.Code)
	}
}

func TestTelemetryRaisesLevel(t *testing.T) {
	srv, eng := testServer(t)

	// Let some real time pass so the assessment has an elapsed interval.
	time.Sleep(20 * time.Millisecond)
	w := do(t, srv, "POST", "/api/telemetry", `{"bit_flips":5000,"compute_errors":10}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["level"] != "maximum" {
		t.Errorf("level = %v, want maximum", body["level"])
	}
	if eng.Controller.Level().String() != "maximum" {
		t.Errorf("controller level = %s", eng.Controller.Level())
	}

	w = do(t, srv, "POST", "/api/telemetry", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty telemetry status = %d, want 400", w.Code)
	}
	w = do(t, srv, "POST", "/api/telemetry", `{"bit_flips":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative telemetry status = %d, want 400", w.Code)
	}
}

func TestTelemetryRateLimited(t *testing.T) {
	srv, _ := testServer(t, WithTelemetryLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		if w := do(t, srv, "POST", "/api/telemetry", `{"bit_flips":1}`); w.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d, want 202", i, w.Code)
		}
	}
	w := do(t, srv, "POST", "/api/telemetry", `{"bit_flips":1}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestBoost(t *testing.T) {
	srv, eng := testServer(t)

	w := do(t, srv, "POST", "/api/protection/boost", `{"duration_ms":60000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["level"] != "enhanced" {
		t.Errorf("level = %v, want enhanced", body["level"])
	}
	if !eng.Controller.Boosted() {
		t.Error("controller not boosted")
	}

	for _, bad := range []string{`{"duration_ms":0}`, `{"duration_ms":7200000}`, `{"duration_ms":18446744073710}`, `{"duration_ms":-5}`, `nope`} {
		if w := do(t, srv, "POST", "/api/protection/boost", bad); w.Code != http.StatusBadRequest {
			t.Errorf("boost %s status = %d, want 400", bad, w.Code)
		}
	}
}

func TestRegions(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, "GET", "/api/regions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}

	w = do(t, srv, "GET", "/api/regions/attitude", "")
	if w.Code != http.StatusOK {
		t.Fatalf("region status = %d", w.Code)
	}
	body := decode(t, w)
	if body["value"] != "1.5" || body["width"] != float64(64) {
		t.Errorf("region = %v", body)
	}

	if w := do(t, srv, "GET", "/api/regions/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing region status = %d, want 404", w.Code)
	}
}

func TestRepairRegion(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, "POST", "/api/regions/attitude/repair", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	result, _ := body["result"].(map[string]any)
	if result["consistent"] != true {
		t.Errorf("result = %v, want consistent", result)
	}

	if w := do(t, srv, "POST", "/api/regions/missing/repair", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing repair status = %d, want 404", w.Code)
	}
}

func TestCheckpointsAndHistory(t *testing.T) {
	srv, eng := testServer(t)

	w := do(t, srv, "GET", "/api/regions/attitude/checkpoints?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["count"] != float64(1) {
		t.Errorf("checkpoints count = %v, want 1", body["count"])
	}

	eng.Boost(time.Minute)
	w = do(t, srv, "GET", "/api/history/levels", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	body := decode(t, w)
	if body["count"] != float64(1) {
		t.Fatalf("history count = %v, want 1", body["count"])
	}
	changes := body["changes"].([]any)
	first := changes[0].(map[string]any)
	if first["reason"] != "boost" {
		t.Errorf("reason = %v, want boost", first["reason"])
	}
}

func TestAssessmentHistory(t *testing.T) {
	srv, eng := testServer(t)

	time.Sleep(5 * time.Millisecond)
	eng.Report(2, 0)
	w := do(t, srv, "GET", "/api/history/assessments?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
	first := body["assessments"].([]any)[0].(map[string]any)
	if first["bit_flips"] != float64(2) {
		t.Errorf("bit_flips = %v, want 2", first["bit_flips"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/regions/attitude/repair", "")

	w := do(t, srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "radguard_scrub_repairs_total") {
		t.Error("metrics output missing radguard_scrub_repairs_total")
	}
}
