package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/shellhost/internal/client"
	"github.com/remote-agent-terminal/shellhost/internal/command"
	"github.com/remote-agent-terminal/shellhost/internal/config"
	"github.com/remote-agent-terminal/shellhost/internal/db"
	"github.com/remote-agent-terminal/shellhost/internal/model"
	"github.com/remote-agent-terminal/shellhost/internal/pty/ptytest"
	"github.com/remote-agent-terminal/shellhost/internal/repository"
)

func TestCLIStructures(t *testing.T) {
	r := root{}
	assert.Empty(t, r.Attach.URL)
	assert.Empty(t, r.Attach.Shell)
	assert.Empty(t, r.List.URL)
	assert.True(t, strings.HasSuffix(defaultURL, "/api/events"))
}

type testServer struct {
	srv      *server
	provider *ptytest.Provider
	http     *httptest.Server
}

func startServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	p := &ptytest.Provider{}
	srv, err := newServer(cfg, slog.New(slog.DiscardHandler), p)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.shutdown(ctx)
	})
	return &testServer{srv: srv, provider: p, http: ts}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/api/events"
}

func (s *testServer) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Shell = "/bin/sh"
	cfg.DB = filepath.Join(t.TempDir(), "data", "shellhost.db")
	cfg.RecordDir = filepath.Join(t.TempDir(), "casts")
	return cfg
}

func TestServerEndToEnd(t *testing.T) {
	ts := startServer(t, testConfig(t))

	var health struct {
		Status string `json:"status"`
		Shells int    `json:"shells"`
	}
	require.Equal(t, http.StatusOK, ts.get(t, "/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Shells)

	ctx := context.Background()
	conn, err := client.Dial(ctx, ts.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var id model.SessionID
	require.NoError(t, conn.Call(ctx, command.OpenShell, command.OpenArgs{}, &id))

	var shells []map[string]any
	require.Equal(t, http.StatusOK, ts.get(t, "/api/shells", &shells))
	require.Len(t, shells, 1)
	assert.EqualValues(t, id, shells[0]["pid"])
	assert.Equal(t, "/bin/sh", shells[0]["shell"])
	assert.EqualValues(t, 80, shells[0]["cols"])
	assert.Equal(t, true, shells[0]["hasRecording"])

	require.NoError(t, conn.Call(ctx, command.CloseShell, command.CloseArgs{PID: id}, nil))

	require.Eventually(t, func() bool {
		var rows []map[string]any
		if ts.get(t, "/api/shells/history", &rows) != http.StatusOK || len(rows) != 1 {
			return false
		}
		return rows[0]["status"] == string(model.SessionStatusClosed)
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	assert.Contains(t, body.String(), "shellhost_ws_clients 1")
}

func TestServerMarksOrphanedShells(t *testing.T) {
	cfg := testConfig(t)

	conn, err := db.Open(cfg.DB)
	require.NoError(t, err)
	repo := repository.NewHistoryRepository(conn)
	require.NoError(t, repo.Create(context.Background(), &model.SessionInfo{
		Key:       "left-over",
		ID:        41,
		PID:       41,
		Shell:     "/bin/sh",
		Size:      model.Size{Cols: 80, Rows: 24},
		Status:    model.SessionStatusRunning,
		StartedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, conn.Close())

	ts := startServer(t, cfg)

	var rows []map[string]any
	require.Equal(t, http.StatusOK, ts.get(t, "/api/shells/history", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, string(model.SessionStatusOrphaned), rows[0]["status"])
}

func TestServerWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB = ""
	ts := startServer(t, cfg)

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/shells/history", nil))
}

func TestServerRejectsBadIDScheme(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB = ""
	cfg.IDScheme = "uuid"
	_, err := newServer(cfg, slog.New(slog.DiscardHandler), &ptytest.Provider{})
	assert.Error(t, err)
}

func TestServerShutdownClosesShells(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB = ""
	ts := startServer(t, cfg)

	conn, err := client.Dial(context.Background(), ts.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Call(context.Background(), command.OpenShell, command.OpenArgs{}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	require.NoError(t, ts.srv.shutdown(ctx))

	assert.Equal(t, 0, ts.srv.manager.Len())
	assert.True(t, ts.provider.Terminals()[0].Killed())
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not disconnect the client")
	}
}

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"any by default", nil, "http://a.example", "*"},
		{"wildcard", []string{"*"}, "http://a.example", "*"},
		{"listed", []string{"http://a.example"}, "http://a.example", "http://a.example"},
		{"unlisted", []string{"http://a.example"}, "http://b.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.DB = ""
			cfg.AllowedOrigins = tt.allowed
			srv, err := newServer(cfg, slog.New(slog.DiscardHandler), &ptytest.Provider{})
			require.NoError(t, err)
			t.Cleanup(func() { srv.shutdown(context.Background()) })

			req := httptest.NewRequest(http.MethodOptions, "/api/shells", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestPrintShells(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printShells(&buf, nil))
	assert.Equal(t, "No open shells\n", buf.String())

	buf.Reset()
	started := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	require.NoError(t, printShells(&buf, []model.SessionInfo{
		{ID: 1201, PID: 1201, Shell: "/bin/bash", Size: model.Size{Cols: 80, Rows: 24}, StartedAt: started},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "PID"))
	assert.Contains(t, lines[1], "/bin/bash")
	assert.Contains(t, lines[1], "80x24")
	assert.Contains(t, lines[1], "09:30:00")
}
