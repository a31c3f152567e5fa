package kvstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s, err := New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLockdownRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rec, err := s.GetLockdown(ctx)
	if err != nil {
		t.Fatalf("GetLockdown empty: %v", err)
	}
	if rec.Active {
		t.Fatalf("expected inactive record by default")
	}

	want := LockdownRecord{Active: true, Reason: "security_policy", UnlockCode: "4821"}
	if err := s.SetLockdown(ctx, want); err != nil {
		t.Fatalf("SetLockdown: %v", err)
	}
	got, err := s.GetLockdown(ctx)
	if err != nil {
		t.Fatalf("GetLockdown: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestStrikeCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		if _, err := s.IncrStrike(ctx, "skill-a"); err != nil {
			t.Fatalf("IncrStrike: %v", err)
		}
	}
	n, err := s.StrikeCount(ctx, "skill-a")
	if err != nil {
		t.Fatalf("StrikeCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("strike count = %d, want 3", n)
	}

	if err := s.ResetStrike(ctx, "skill-a"); err != nil {
		t.Fatalf("ResetStrike: %v", err)
	}
	n, err = s.StrikeCount(ctx, "skill-a")
	if err != nil {
		t.Fatalf("StrikeCount after reset: %v", err)
	}
	if n != 0 {
		t.Fatalf("strike count after reset = %d, want 0", n)
	}
}
