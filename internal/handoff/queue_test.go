package handoff

import (
	"errors"
	"testing"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

func TestQueueOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	first, opened := q.Open("s1", domain.HandoffDataGap, "where is my order")
	if !opened || first.Reason != domain.HandoffDataGap {
		t.Fatalf("Open() = %+v, %v", first, opened)
	}
	again, opened := q.Open("s1", domain.HandoffRepeatedIntent, "hello?")
	if opened || again.Reason != domain.HandoffDataGap || again.CustomerMessage != "where is my order" {
		t.Fatalf("second Open() = %+v, %v, want the original request", again, opened)
	}
}

func TestQueueAcceptOwnership(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	if _, err := q.Accept("missing", "ana"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Accept(missing) error = %v, want ErrNotFound", err)
	}

	q.Open("s1", domain.HandoffCustomerEscalation, "manager please")
	if _, err := q.Owner("s1"); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("Owner() before accept error = %v, want ErrNotAccepted", err)
	}

	r, err := q.Accept("s1", "ana")
	if err != nil || r.AcceptedBy != "ana" || r.AcceptedAt == nil {
		t.Fatalf("Accept() = %+v, %v", r, err)
	}
	if _, err := q.Accept("s1", "ana"); err != nil {
		t.Fatalf("repeat Accept() by owner error = %v", err)
	}
	if _, err := q.Accept("s1", "ben"); !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("Accept() by another agent error = %v, want ErrAlreadyAccepted", err)
	}
	if owner, err := q.Owner("s1"); err != nil || owner != "ana" {
		t.Fatalf("Owner() = %q, %v", owner, err)
	}
}

func TestQueueListNewestFirstAndResolve(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	q.Open("old", domain.HandoffDataGap, "a")
	q.Open("new", domain.HandoffDataGap, "b")

	list := q.List()
	if len(list) != 2 || list[0].SessionID != "new" || list[1].SessionID != "old" {
		t.Fatalf("List() = %+v", list)
	}

	if !q.Resolve("old") || q.Resolve("old") {
		t.Fatal("Resolve() should report true once")
	}
	if _, ok := q.Get("old"); ok {
		t.Fatal("Get() found a resolved handoff")
	}
}
