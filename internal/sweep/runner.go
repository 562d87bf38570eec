package sweep

import (
	"context"
	"log"
	"time"
)

// Runner drives the detector and scheduler on a fixed interval for
// deployments without an external cron. Both jobs are idempotent, so the
// runner may coexist with the secret-guarded HTTP triggers.
type Runner struct {
	detector  *Detector
	scheduler *Scheduler
	ttl       time.Duration
	interval  time.Duration
}

func NewRunner(detector *Detector, scheduler *Scheduler, ttl, interval time.Duration) *Runner {
	return &Runner{
		detector:  detector,
		scheduler: scheduler,
		ttl:       ttl,
		interval:  interval,
	}
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	marked, cutoff, err := r.detector.Run(ctx, r.ttl)
	if err != nil {
		log.Printf("abandonment sweep failed: %v", err)
	} else if marked > 0 {
		log.Printf("abandonment sweep marked %d carts (cutoff %s)", marked, cutoff.Format(time.RFC3339))
	}

	for _, result := range r.scheduler.Run(ctx) {
		if result.Attempted > 0 || result.Errors > 0 {
			log.Printf("reminder stage %d: attempted=%d sent=%d errors=%d",
				result.Stage, result.Attempted, result.Sent, result.Errors)
		}
	}
}
