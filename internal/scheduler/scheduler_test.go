package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	sched, err := ParseSchedule("0 3 * * *")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}

	base := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)
	next := NextTime(sched, base)
	want := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestParseScheduleDescriptor(t *testing.T) {
	t.Parallel()

	sched, err := ParseSchedule("@daily")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if got := NextTime(sched, base); got.Hour() != 0 || got.Day() != 26 {
		t.Fatalf("unexpected next activation %s", got)
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseSchedule("not a schedule"); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestRunFiresAndStops(t *testing.T) {
	t.Parallel()

	sched, err := ParseSchedule("@every 50ms")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		Run(ctx, sched, func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
