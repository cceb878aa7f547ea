package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTask("ran")
	m.RecordTask("ran")
	m.RecordPhase("run", PhaseStatusOK, 2*time.Second)
	m.RecordRun("succeeded", time.Minute)
	m.SetStaleTasks(3)

	expected := `
# HELP distbuild_tasks_total Total number of visited tasks by outcome
# TYPE distbuild_tasks_total counter
distbuild_tasks_total{outcome="ran"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "distbuild_tasks_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.staleTasks); got != 3 {
		t.Errorf("Expected 3 stale tasks, got %v", got)
	}
	if n := testutil.CollectAndCount(m.phaseDuration, "distbuild_phase_duration_seconds"); n != 1 {
		t.Errorf("Expected one phase duration series, got %d", n)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if m.Enabled() {
		t.Error("Expected disabled metrics")
	}

	m.RecordTask("ran")
	m.RecordPhase("run", PhaseStatusOK, time.Second)
	m.RecordRun("failed", time.Second)
	m.SetStaleTasks(1)

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("WriteTextfile on disabled metrics failed: %v", err)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Serve on disabled metrics failed: %v", err)
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.TextfilePath = filepath.Join(t.TempDir(), "distbuild.prom")
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordRun("halted", time.Second)

	if err := m.WriteTextfile(""); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(cfg.TextfilePath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`distbuild_runs_total{status="halted"} 1`)) {
		t.Errorf("Unexpected textfile content:\n%s", data)
	}

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")); err == nil {
		t.Error("Expected an error for a missing directory")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTask("unchanged")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `distbuild_tasks_total{outcome="unchanged"} 1`) {
		t.Errorf("Unexpected metrics body:\n%s", body)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"disabled exporter is not checked", func(c *Config) { c.Tracing.Exporter = "jaeger" }, false},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("NewWriterLogger failed: %v", err)
	}

	ctx := logger.WithRunID("r1").WithTaskID("compose").WithContext(context.Background())
	FromContext(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Invalid JSON log line %q: %v", buf.String(), err)
	}
	if entry["run_id"] != "r1" || entry["task_id"] != "compose" || entry["message"] != "hello" {
		t.Errorf("Unexpected log entry %v", entry)
	}

	buf.Reset()
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("Expected debug output at debug level")
	}

	if _, err := NewWriterLogger(&buf, LoggingConfig{Level: "chatty"}); err == nil {
		t.Error("Expected an error for an unknown level")
	}
}

func TestLogger_FromContextDefault(t *testing.T) {
	// Must not panic without a logger in the context.
	FromContext(context.Background()).Info("discarded")
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "distbuild.log")
	cfg.Logging.Format = "json"
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "distbuild.prom")

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry in context")
	}
	FromContext(ctx).Info("written")

	if tel.Observer() == nil {
		t.Fatal("Expected an observer")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := os.Stat(cfg.Metrics.TextfilePath); err != nil {
		t.Errorf("Expected metrics textfile: %v", err)
	}
	data, err := os.ReadFile(cfg.Logging.Output)
	if err != nil || !bytes.Contains(data, []byte("written")) {
		t.Errorf("Expected log file content, got %q (%v)", data, err)
	}

	cfg.ServiceName = ""
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("Expected invalid config to fail")
	}
}
