package dispatch

import (
	"context"
	"errors"
	"fmt"

	"formcollect/api/internal/logging"
	"formcollect/api/internal/store"
)

// Sink delivers a finished submission to one downstream target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, form store.Form, sub store.Submission) error
}

type Store interface {
	GetForm(ctx context.Context, formID int64) (store.Form, error)
	GetSubmission(ctx context.Context, submissionID int64) (store.Submission, error)
}

// Dispatcher is the pool Handler. It loads the submission and its form and
// feeds every sink; one failing sink does not stop the others.
type Dispatcher struct {
	store Store
	sinks []Sink
	log   logging.Logger
}

func NewDispatcher(s Store, log logging.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{store: s, sinks: sinks, log: logging.Component(log, "dispatcher")}
}

func (d *Dispatcher) Handle(ctx context.Context, job Job) error {
	sub, err := d.store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission %d: %w", job.SubmissionID, err)
	}
	form, err := d.store.GetForm(ctx, sub.FormID)
	if err != nil {
		return fmt.Errorf("load form %d: %w", sub.FormID, err)
	}

	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, form, sub); err != nil {
			d.log.Error(ctx, "sink delivery failed",
				"sink", sink.Name(), "submission", sub.ID, "form", form.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
