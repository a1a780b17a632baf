package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycle(t *testing.T) {
	m := New()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("exit")

	if got := testutil.ToFloat64(m.SessionsOpen); got != 1 {
		t.Errorf("open = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsOpened); got != 2 {
		t.Errorf("opened = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsClosed.WithLabelValues("exit")); got != 1 {
		t.Errorf("closed{exit} = %v, want 1", got)
	}
}

func TestOutputCounters(t *testing.T) {
	m := New()
	m.Output(10)
	m.Output(5)
	m.Dropped()
	m.Written(3)

	if got := testutil.ToFloat64(m.OutputBytes); got != 15 {
		t.Errorf("output bytes = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.DroppedChunks); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WrittenBytes); got != 3 {
		t.Errorf("written = %v, want 3", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed("close")
	m.OpenFailed("SPAWN")
	m.Output(1)
	m.Dropped()
	m.Written(1)
	m.CommandFailed("open_shell", "SPAWN")
	m.ClientConnected(1)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.CommandFailed("write_to_shell", "SESSION_NOT_FOUND")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"shellhost_sessions_open 1",
		`shellhost_command_errors_total{command="write_to_shell",kind="SESSION_NOT_FOUND"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
