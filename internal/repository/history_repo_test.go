package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/shellhost/internal/db"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

func newTestRepo(t *testing.T) *HistoryRepository {
	t.Helper()
	conn, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewHistoryRepository(conn)
}

func newInfo(id model.SessionID, shell string) *model.SessionInfo {
	return &model.SessionInfo{
		Key:       uuid.NewString(),
		ID:        id,
		PID:       int(id),
		Shell:     shell,
		Size:      model.Size{Cols: 80, Rows: 24},
		Status:    model.SessionStatusRunning,
		StartedAt: time.Now(),
	}
}

func TestCreateAndMarkEnded(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	info := newInfo(4242, "/bin/bash")
	info.RecordingPath = "/tmp/x.cast"
	if err := repo.Create(ctx, info); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	code := 3
	ended := time.Now()
	info.Status = model.SessionStatusExited
	info.ExitCode = &code
	info.CloseReason = model.ReasonExited
	info.EndedAt = &ended
	info.Size = model.Size{Cols: 120, Rows: 40}
	if err := repo.MarkEnded(ctx, info); err != nil {
		t.Fatalf("MarkEnded failed: %v", err)
	}

	got, err := repo.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != 4242 || got.Status != model.SessionStatusExited || got.CloseReason != model.ReasonExited {
		t.Errorf("unexpected record %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("exit code = %v", got.ExitCode)
	}
	if got.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
	if got.Size != (model.Size{Cols: 120, Rows: 40}) {
		t.Errorf("size = %v", got.Size)
	}
	if got.RecordingPath != "/tmp/x.cast" {
		t.Errorf("recording path = %q", got.RecordingPath)
	}
}

func TestGetMissing(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if err := repo.MarkEnded(context.Background(), newInfo(1, "sh")); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound from MarkEnded, got %v", err)
	}
}

func TestMarkOrphaned(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	running := newInfo(1, "sh")
	done := newInfo(2, "sh")
	repo.Create(ctx, running)
	repo.Create(ctx, done)
	done.Status = model.SessionStatusClosed
	repo.MarkEnded(ctx, done)

	n, err := repo.MarkOrphaned(ctx)
	if err != nil {
		t.Fatalf("MarkOrphaned failed: %v", err)
	}
	if n != 1 {
		t.Errorf("orphaned %d rows, want 1", n)
	}

	got, _ := repo.Get(ctx, running.Key)
	if got.Status != model.SessionStatusOrphaned {
		t.Errorf("status = %q, want orphaned", got.Status)
	}
	got, _ = repo.Get(ctx, done.Key)
	if got.Status != model.SessionStatusClosed {
		t.Errorf("closed row changed to %q", got.Status)
	}
}

func TestListOrderAndLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		info := newInfo(model.SessionID(i), "sh")
		info.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, info); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 5 || all[0].ID != 5 || all[4].ID != 1 {
		t.Errorf("unexpected order: %d rows, first %v", len(all), all[0].ID)
	}

	limited, _ := repo.List(ctx, 2)
	if len(limited) != 2 || limited[0].ID != 5 {
		t.Errorf("unexpected limited list %+v", limited)
	}
}

// **Feature: shell history, Property 1: reused ids keep separate records**
// For any id opened any number of times, every open gets its own
// retrievable record.
func TestReusedIDsKeepSeparateRecordsProperty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("each open of the same id is a distinct record", prop.ForAll(
		func(id int, opens int, shell string) bool {
			keys := make([]string, 0, opens)
			for i := 0; i < opens; i++ {
				info := newInfo(model.SessionID(id), shell)
				if err := repo.Create(ctx, info); err != nil {
					t.Logf("create failed: %v", err)
					return false
				}
				keys = append(keys, info.Key)
			}
			for _, k := range keys {
				got, err := repo.Get(ctx, k)
				if err != nil || got.ID != model.SessionID(id) || got.Shell != shell {
					t.Logf("get %s: %+v %v", k, got, err)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 1<<22),
		gen.IntRange(1, 4),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
