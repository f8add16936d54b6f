package pipeline

import (
	"fmt"
	"time"
)

// allowedFrom maps a target status to the statuses it may be entered from.
// An empty source means the status is only valid for a newly created Request.
var allowedFrom = map[Status][]Status{
	StatusQueued:     {},
	StatusCached:     {},
	StatusProcessing: {StatusQueued, StatusProcessing},
	StatusEvaluating: {StatusProcessing, StatusEvaluating},
	StatusCompleted:  {StatusEvaluating},
	StatusFailed:     {StatusQueued, StatusProcessing, StatusEvaluating},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusEvaluating,
		StatusCompleted, StatusFailed, StatusCached, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCached, StatusRejected:
		return true
	}
	return false
}

// CarriesResult reports whether events in status s hold an AnalysisResult.
func (s Status) CarriesResult() bool {
	return s == StatusCompleted || s == StatusCached
}

// Initial reports whether a Request may be created directly in status s.
func (s Status) Initial() bool {
	return s == StatusQueued || s == StatusCached
}

// AllowedFrom lists the statuses a Request may hold before entering to.
func AllowedFrom(to Status) []Status {
	src := allowedFrom[to]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is illegal.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Apply returns a copy of r moved to status to, or ErrInvalidTransition.
func (r Request) Apply(to Status, update RequestUpdate) (Request, error) {
	if err := CheckTransition(r.Status, to); err != nil {
		return r, err
	}
	next := r
	next.Status = to
	next.Detail = update.Detail
	if to.CarriesResult() && update.Result != nil {
		res := update.Result.Clone()
		next.Result = &res
	}
	if update.ProcessingAttempt > next.ProcessingAttempts {
		next.ProcessingAttempts = update.ProcessingAttempt
	}
	if update.EvaluationAttempt > next.EvaluationAttempts {
		next.EvaluationAttempts = update.EvaluationAttempt
	}
	if !update.At.IsZero() {
		next.UpdatedAt = update.At
	}
	return next, nil
}

// Event renders the current state of r as a StatusEvent.
func (r Request) Event(at time.Time) StatusEvent {
	return NewStatusEvent(r.ID, r.URL, r.Status, r.Detail, r.Result, at)
}

// NewStatusEvent builds an event, dropping the result for statuses that do
// not carry one.
func NewStatusEvent(requestID, url string, status Status, detail string, result *AnalysisResult, at time.Time) StatusEvent {
	ev := StatusEvent{
		RequestID: requestID,
		URL:       url,
		Status:    status,
		Detail:    detail,
		Timestamp: at,
	}
	if status.CarriesResult() && result != nil {
		res := result.Clone()
		ev.Result = &res
	}
	return ev
}

// Validate checks the event against the status variant rules.
func (e StatusEvent) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("%w: status event missing request id", ErrValidation)
	}
	if !e.Status.Valid() || e.Status == StatusRejected {
		return fmt.Errorf("%w: status %q cannot be published", ErrValidation, e.Status)
	}
	if e.Status.CarriesResult() && e.Result == nil {
		return fmt.Errorf("%w: status %s requires a result", ErrValidation, e.Status)
	}
	if !e.Status.CarriesResult() && e.Result != nil {
		return fmt.Errorf("%w: status %s cannot carry a result", ErrValidation, e.Status)
	}
	return nil
}
