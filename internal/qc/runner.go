// Package qc runs bulk document quality checks in the background and
// broadcasts one terminal event per document.
package qc

import (
	"context"
	"errors"
	"log"
	"time"
)

var (
	ErrEmptyBatch      = errors.New("qc: empty document batch")
	ErrEmptyDocumentID = errors.New("qc: empty document id in batch")
)

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Event is the terminal outcome for one document in a bulk run.
type Event struct {
	DocumentID string    `json:"documentId"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers QC events to whoever listens. Implementations must not
// block the runner for long; a failed publish is logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Checker decides whether a single document passes QC. The orgID is the
// caller's tenant; a checker must not touch documents outside it. Returning
// an error marks the document failed; the run continues.
type Checker interface {
	Check(ctx context.Context, orgID, documentID string) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, orgID, documentID string) error

func (f CheckerFunc) Check(ctx context.Context, orgID, documentID string) error {
	return f(ctx, orgID, documentID)
}

type Runner struct {
	checker   Checker
	publisher Publisher
	stepDelay time.Duration
	now       func() time.Time
}

func NewRunner(checker Checker, publisher Publisher, stepDelay time.Duration) *Runner {
	return &Runner{
		checker:   checker,
		publisher: publisher,
		stepDelay: stepDelay,
		now:       time.Now,
	}
}

// WithClock replaces the event clock. Test hook.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Enqueue validates the request shape and starts the background run. It
// returns before any document is checked, so callers can answer 202
// immediately.
func (r *Runner) Enqueue(ctx context.Context, orgID string, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return ErrEmptyBatch
	}
	for _, id := range documentIDs {
		if id == "" {
			return ErrEmptyDocumentID
		}
	}

	// The run outlives the request; detach from its context but keep its
	// values out of the loop entirely.
	go r.run(context.WithoutCancel(ctx), orgID, documentIDs)
	return nil
}

func (r *Runner) run(ctx context.Context, orgID string, documentIDs []string) {
	for _, id := range documentIDs {
		if r.stepDelay > 0 {
			time.Sleep(r.stepDelay)
		}

		status := StatusPassed
		if err := r.checker.Check(ctx, orgID, id); err != nil {
			log.Printf("qc check failed document=%s err=%v", id, err)
			status = StatusFailed
		}

		event := Event{DocumentID: id, Status: status, Timestamp: r.now()}
		if err := r.publisher.Publish(ctx, event); err != nil {
			log.Printf("qc publish failed document=%s err=%v", id, err)
		}
	}
}
