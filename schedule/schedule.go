// Package schedule triggers backup, verification and monitoring runs on
// their configured cron cadences and applies the admission gates (system
// load, free space) before handing off to the engine.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/logging"
)

var log = logging.Module("schedule")

// sleep ceiling when no cadence produces an upcoming trigger
const sleepTimeWhenIdle = 8 * time.Hour

// Job is one recurring trigger.
type Job struct {
	Name    string
	Expr    *cronexpr.Expression
	Trigger func(ctx context.Context)
}

// Scheduler waits for the next due job, triggers it and repeats.
type Scheduler struct {
	TimeNow func() time.Time

	jobs   []Job
	closed chan struct{}
	wg     sync.WaitGroup
}

// Options configures the scheduler.
type Options struct {
	TimeNow func() time.Time
}

// Start runs a scheduler for the given jobs until Stop is called.
func Start(ctx context.Context, jobs []Job, opts Options) *Scheduler {
	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = clock.Now
	}

	s := &Scheduler{
		TimeNow: timeNow,
		jobs:    jobs,
		closed:  make(chan struct{}),
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.run(context.WithoutCancel(ctx))
	}()

	return s
}

// Stop stops the scheduler and waits for the loop to drain. A job already
// triggered runs to completion.
func (s *Scheduler) Stop() {
	close(s.closed)
	s.wg.Wait()
}

// upcoming returns the earliest next trigger time and every job due exactly
// then.
func (s *Scheduler) upcoming(now time.Time) (nextTriggerTime time.Time, toTrigger []Job) {
	for _, j := range s.jobs {
		next := j.Expr.Next(now)
		if next.IsZero() {
			continue
		}

		if nextTriggerTime.IsZero() || next.Before(nextTriggerTime) {
			nextTriggerTime = next
			toTrigger = nil
		}

		if next.Equal(nextTriggerTime) {
			toTrigger = append(toTrigger, j)
		}
	}

	return nextTriggerTime, toTrigger
}

func (s *Scheduler) run(ctx context.Context) {
	var timer *time.Timer

	for {
		now := s.TimeNow()
		nextTriggerTime, toTrigger := s.upcoming(now)

		sleepTime := sleepTimeWhenIdle
		if !nextTriggerTime.IsZero() {
			sleepTime = nextTriggerTime.Sub(now)
		}

		if sleepTime < 0 {
			sleepTime = 0
		}

		if timer != nil {
			timer.Stop()
		}

		timer = time.NewTimer(sleepTime)

		select {
		case <-s.closed:
			return

		case <-timer.C:
			for _, j := range toTrigger {
				log(ctx).Infof("triggering %v", j.Name)
				j.Trigger(ctx)
			}
		}
	}
}
