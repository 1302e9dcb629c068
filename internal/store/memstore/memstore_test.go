package memstore

import (
	"context"
	"testing"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
)

func TestBackend_CreateSession(t *testing.T) {
	b := New()
	ctx := context.Background()

	if _, err := b.CreateSession(ctx, store.SessionMeta{Key: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := b.CreateSession(ctx, store.SessionMeta{Key: "s1"}); !errors.Is(err, errors.ErrSessionAlreadyExists) {
		t.Errorf("expected ErrSessionAlreadyExists, got %v", err)
	}

	b.Close()
	if _, err := b.CreateSession(ctx, store.SessionMeta{Key: "s2"}); !errors.Is(err, errors.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestSession_CommitExists(t *testing.T) {
	b := New()
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})

	unit := store.ConfigUnit{ID: "u1"}
	if err := ss.Commit(ctx, unit); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := ss.Commit(ctx, unit); !errors.Is(err, errors.ErrConfigExists) {
		t.Errorf("expected ErrConfigExists, got %v", err)
	}
	if err := ss.Use(ctx, "u1"); err != nil {
		t.Errorf("Use: %v", err)
	}
	if err := ss.Use(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	s, _ := b.Session("s1")
	if snap := s.Snapshot(); snap.Commits != 1 || len(snap.Used) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestSession_FailNext(t *testing.T) {
	b := New()
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})
	s, _ := b.Session("s1")

	s.FailNext(OpRow, 2, nil)

	row := store.RowSample{Channels: []sessionconfig.Handle{1}, Timestamp: 1, Doubles: []float64{2}}
	for i := 0; i < 2; i++ {
		if err := ss.AppendRow(ctx, row); !errors.Is(err, errors.ErrWriteFailed) {
			t.Errorf("attempt %d: expected ErrWriteFailed, got %v", i, err)
		}
	}
	if err := ss.AppendRow(ctx, row); err != nil {
		t.Errorf("third attempt: %v", err)
	}
	if got := len(s.Snapshot().Rows); got != 1 {
		t.Errorf("expected 1 row, got %d", got)
	}
}

func TestSession_UpdateLap(t *testing.T) {
	b := New()
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})
	s, _ := b.Session("s1")

	ss.AddLap(ctx, store.Lap{Timestamp: 10, Name: "Out Lap"})
	if err := ss.UpdateLap(ctx, store.Lap{Timestamp: 10, Name: "Out Lap", CountForFastestLap: true}); err != nil {
		t.Fatalf("UpdateLap: %v", err)
	}
	if !s.Snapshot().Laps[0].CountForFastestLap {
		t.Error("lap was not updated")
	}
	if err := ss.UpdateLap(ctx, store.Lap{Timestamp: 99}); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSession_Closed(t *testing.T) {
	b := New()
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})
	ss.Close(ctx)

	if err := ss.AddMarker(ctx, store.Marker{}); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}
