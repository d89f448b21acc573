package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pcview/server/internal/stream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "journal.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	opened := time.Now().Add(-time.Minute)
	if err := s.OpenSession(ctx, &Session{ID: "s1", DatasetID: "office", RemoteAddr: "10.0.0.1:5000", OpenedAt: opened}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.OpenSession(ctx, &Session{ID: "s2", DatasetID: "bridge", OpenedAt: opened.Add(time.Second)}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	for seq, status := range []stream.Status{stream.StatusCancelled, stream.StatusCompleted} {
		d := stream.Delivery{
			SessionID: "s1",
			Dataset:   "office",
			Seq:       int64(seq + 1),
			Status:    status,
			Selected:  40,
			Sent:      30 + seq,
			Skipped:   2,
			Points:    1234,
			Started:   opened.Add(time.Duration(seq) * time.Second),
			Finished:  opened.Add(time.Duration(seq)*time.Second + 100*time.Millisecond),
		}
		if err := s.RecordDelivery(ctx, d); err != nil {
			t.Fatalf("RecordDelivery: %v", err)
		}
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Deliveries != 2 || sess.ClosedAt != nil || sess.RemoteAddr != "10.0.0.1:5000" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if !sess.OpenedAt.Equal(opened) {
		t.Fatalf("opened_at %v, want %v", sess.OpenedAt, opened)
	}

	deliveries, err := s.ListDeliveries(ctx, "s1")
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(deliveries) != 2 || deliveries[0].Status != "cancelled" || deliveries[1].Sent != 31 {
		t.Fatalf("unexpected deliveries %+v", deliveries)
	}

	all, err := s.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "s2" {
		t.Fatalf("expected most recent session first, got %+v", all)
	}
	office, err := s.ListSessions(ctx, "office", 10)
	if err != nil || len(office) != 1 || office[0].ID != "s1" {
		t.Fatalf("unexpected filtered sessions %+v (%v)", office, err)
	}

	if err := s.CloseSession(ctx, "s1", time.Now()); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if sess, _ := s.GetSession(ctx, "s1"); sess.ClosedAt == nil {
		t.Fatalf("expected closed session")
	}
	if sess, err := s.GetSession(ctx, "unknown"); sess != nil || err != nil {
		t.Fatalf("expected nil session, got %+v (%v)", sess, err)
	}
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"old", "open", "recent"} {
		if err := s.OpenSession(ctx, &Session{ID: id, DatasetID: "d", OpenedAt: old}); err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		if err := s.RecordDelivery(ctx, stream.Delivery{SessionID: id, Seq: 1, Status: stream.StatusCompleted, Started: old, Finished: old}); err != nil {
			t.Fatalf("RecordDelivery: %v", err)
		}
	}
	if err := s.CloseSession(ctx, "old", old.Add(time.Hour)); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := s.CloseSession(ctx, "recent", time.Now()); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	deleted, err := s.DeleteExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted session, got %d", deleted)
	}
	if sess, _ := s.GetSession(ctx, "old"); sess != nil {
		t.Fatalf("expected expired session to be gone")
	}
	if ds, _ := s.ListDeliveries(ctx, "old"); len(ds) != 0 {
		t.Fatalf("expected expired deliveries to be gone, got %d", len(ds))
	}
	for _, id := range []string{"open", "recent"} {
		if sess, _ := s.GetSession(ctx, id); sess == nil {
			t.Fatalf("expected session %s to be kept", id)
		}
	}
}

func TestJournalStartClosesDanglingSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.OpenSession(ctx, &Session{ID: "crashed", DatasetID: "d", OpenedAt: time.Now()}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	s.Close()

	j, err := Open(Config{SQLitePath: path, CleanupPeriod: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.Start()
	sess, err := j.Store().GetSession(ctx, "crashed")
	if err != nil || sess == nil || sess.ClosedAt == nil {
		t.Fatalf("expected dangling session to be closed, got %+v (%v)", sess, err)
	}
	if err := j.Recorder().RecordDelivery(ctx, stream.Delivery{SessionID: "crashed", Seq: 1, Status: stream.StatusFailed}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := j.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := j.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
