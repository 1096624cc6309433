package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// NextTime returns the next activation of schedule after t.
func NextTime(schedule cron.Schedule, t time.Time) time.Time {
	return schedule.Next(t)
}

// Run fires fn at each scheduled activation until ctx is done. Activations
// never overlap: the next one is computed only after fn returns, so a sweep
// that outruns its schedule simply delays the next sweep.
func Run(ctx context.Context, schedule cron.Schedule, fn func()) {
	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn()
		}
	}
}
