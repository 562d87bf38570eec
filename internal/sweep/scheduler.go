package sweep

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rahmatullahboss/cartsync/internal/email"
	"github.com/rahmatullahboss/cartsync/internal/repository"
)

// Stage describes one step of the reminder sequence. MinGap is measured
// from the previous stage's sent timestamp, or from abandonedAt for the
// first stage.
type Stage struct {
	MinGap  time.Duration
	Subject string
	IsFinal bool
}

// DefaultStages spaces the three reminders 24 hours apart, so the final
// discount email lands 72 hours after the cart went idle.
func DefaultStages() []Stage {
	return []Stage{
		{MinGap: 24 * time.Hour, Subject: "You left something in your cart"},
		{MinGap: 24 * time.Hour, Subject: "Still thinking it over?"},
		{MinGap: 24 * time.Hour, Subject: "Last chance: a discount on your cart", IsFinal: true},
	}
}

// FollowupStages is the shorter sequence used by the combined
// mark-and-remind sweep: first reminder as soon as the cart is marked,
// then at 24h and 72h cumulative from abandonment.
func FollowupStages() []Stage {
	return []Stage{
		{MinGap: 0, Subject: "You left something in your cart"},
		{MinGap: 24 * time.Hour, Subject: "Still thinking it over?"},
		{MinGap: 48 * time.Hour, Subject: "Last chance: a discount on your cart", IsFinal: true},
	}
}

// Result is the per-stage summary of one scheduler run.
type Result struct {
	Stage     int `json:"stage"`
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Errors    int `json:"errors"`
}

// Scheduler walks abandoned carts through the staged reminder sequence.
// Progress is persisted only after a successful send, so a failed dispatch
// is retried as the exact same stage on the next run, with no duplicates
// and no skipped stages. Recovered carts never match a stage query.
type Scheduler struct {
	store       repository.CartStore
	sender      email.Sender
	stages      []Stage
	discountTTL time.Duration
	now         func() time.Time
}

func NewScheduler(store repository.CartStore, sender email.Sender, stages []Stage, discountTTL time.Duration) *Scheduler {
	if discountTTL <= 0 {
		discountTTL = 48 * time.Hour
	}
	return &Scheduler{
		store:       store,
		sender:      sender,
		stages:      stages,
		discountTTL: discountTTL,
		now:         time.Now,
	}
}

// Run evaluates every stage in order and returns one Result per stage.
// A cart's error is counted and logged; the rest of the sweep continues.
func (s *Scheduler) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.stages))
	for i, stage := range s.stages {
		results = append(results, s.runStage(ctx, i+1, stage))
	}
	return results
}

func (s *Scheduler) runStage(ctx context.Context, stageNum int, stage Stage) Result {
	result := Result{Stage: stageNum}
	now := s.now().UTC()

	candidates, err := s.store.FindStageCandidates(ctx, stageNum, now.Add(-stage.MinGap))
	if err != nil {
		log.Printf("stage %d query failed: %v", stageNum, err)
		result.Errors++
		return result
	}

	for _, cart := range candidates {
		result.Attempted++

		data := email.ReminderData{
			CustomerName: cart.CustomerName,
			Lines:        cart.Lines,
			Subtotal:     cart.Subtotal,
			CartTotal:    cart.CartTotal,
		}

		var discountCode string
		var discountExpires *time.Time
		if stage.IsFinal {
			discountCode = newDiscountCode()
			expiry := now.Add(s.discountTTL)
			discountExpires = &expiry
			data.DiscountCode = discountCode
			data.DiscountExpires = expiry
		}

		msg, errRender := email.RenderReminder(stage.Subject, data)
		if errRender != nil {
			log.Printf("stage %d render failed for cart %s: %v", stageNum, cart.ID, errRender)
			result.Errors++
			continue
		}
		msg.To = cart.CustomerEmail

		// Only a successful send may advance the stage. A dispatch error
		// leaves the record untouched so the next sweep retries it.
		if errSend := s.sender.Send(ctx, msg); errSend != nil {
			log.Printf("stage %d send failed for cart %s: %v", stageNum, cart.ID, errSend)
			result.Errors++
			continue
		}

		advanced, errAdvance := s.store.AdvanceReminderStage(ctx, cart.ID, stageNum, now, discountCode, discountExpires)
		if errAdvance != nil {
			log.Printf("stage %d advance failed for cart %s: %v", stageNum, cart.ID, errAdvance)
			result.Errors++
			continue
		}
		if !advanced {
			// Concurrent sweep won the race after our query; the email
			// already went out, so just report it.
			log.Printf("stage %d already advanced for cart %s", stageNum, cart.ID)
		}
		result.Sent++
	}
	return result
}

func newDiscountCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "COMEBACK-" + strings.ToUpper(raw[:8])
}
