package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAttemptLabels(t *testing.T) {
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues(OutcomeFail))
	ObserveAttempt(time.Second, "weird")
	ObserveAttempt(-time.Second, OutcomeFail)
	if got := testutil.ToFloat64(attemptsTotal.WithLabelValues(OutcomeFail)) - before; got != 2 {
		t.Fatalf("expected unknown outcomes folded into fail, got delta %v", got)
	}

	ObservePattern("test_foo.cpp", 3, 0.02)
	if got := testutil.ToFloat64(patternCleanStreak.WithLabelValues("test_foo.cpp")); got != 3 {
		t.Fatalf("unexpected clean streak gauge %v", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestExportTextfileAndPush(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	ObserveRun(RunCompleted)
	ObserveDemotions(1)

	var pushedPath, pushedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushedPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		pushedBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "flakeguard.prom")
	err := Export(context.Background(), reg, ExportOptions{Textfile: path, PushgatewayURL: srv.URL, Job: "ci"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "flakeguard_demotions_total") {
		t.Fatalf("textfile missing demotions counter:\n%s", data)
	}
	if pushedPath != "/metrics/job/ci" {
		t.Fatalf("unexpected push path %q", pushedPath)
	}
	if len(pushedBody) == 0 {
		t.Fatalf("expected pushed payload")
	}
}

func TestExportDisabled(t *testing.T) {
	if err := Export(context.Background(), prometheus.NewRegistry(), ExportOptions{}); err != nil {
		t.Fatalf("expected no-op export, got %v", err)
	}
}
