package engine

import (
	"time"

	"proofreel/internal/domain"
)

// Action is a lifecycle command applied to a work item.
type Action string

const (
	ActionStart           Action = "start"
	ActionSubmit          Action = "submit"
	ActionEscalate        Action = "escalate"
	ActionReject          Action = "reject"
	ActionApprove         Action = "approve"
	ActionRequestRevision Action = "request_revision"
	ActionResume          Action = "resume"
	ActionCancel          Action = "cancel"
)

var actionOrder = []Action{
	ActionStart, ActionSubmit, ActionEscalate, ActionReject,
	ActionApprove, ActionRequestRevision, ActionResume, ActionCancel,
}

// transitions is keyed on the stored status; late is never a source.
// Terminal statuses have no entry.
var transitions = map[domain.Status]map[Action]domain.Status{
	domain.StatusNew: {
		ActionStart:  domain.StatusActive,
		ActionSubmit: domain.StatusReviewAdmin,
		ActionCancel: domain.StatusCancelled,
	},
	domain.StatusActive: {
		ActionSubmit: domain.StatusReviewAdmin,
		ActionCancel: domain.StatusCancelled,
	},
	domain.StatusReviewAdmin: {
		ActionSubmit:   domain.StatusReviewAdmin,
		ActionEscalate: domain.StatusReviewClient,
		ActionReject:   domain.StatusRevisionRequested,
		ActionCancel:   domain.StatusCancelled,
	},
	domain.StatusReviewClient: {
		ActionApprove:         domain.StatusCompleted,
		ActionRequestRevision: domain.StatusRevisionRequested,
		ActionCancel:          domain.StatusCancelled,
	},
	domain.StatusRevisionRequested: {
		ActionSubmit: domain.StatusReviewAdmin,
		ActionResume: domain.StatusActive,
		ActionCancel: domain.StatusCancelled,
	},
}

func (a Action) Valid() bool {
	for _, known := range actionOrder {
		if a == known {
			return true
		}
	}
	return false
}

// Next returns the status reached by applying action in status from.
func Next(from domain.Status, action Action) (domain.Status, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// AllowedActions lists the legal actions from a stored status.
func AllowedActions(from domain.Status) []Action {
	var out []Action
	for _, a := range actionOrder {
		if _, ok := transitions[from][a]; ok {
			out = append(out, a)
		}
	}
	return out
}

type effect struct {
	actorID string
	rating  *int
	now     time.Time
}

// apply moves w to the status reached by action and updates the fields that
// depend on it. The caller has already checked legality.
func apply(w *domain.WorkItem, action Action, to domain.Status, fx effect) {
	now := domain.FormatTime(fx.now)
	switch action {
	case ActionStart, ActionSubmit:
		if w.StartedAt == nil {
			w.StartedAt = &now
		}
	case ActionApprove:
		w.CompletedAt = &now
		if fx.actorID != "" {
			actor := fx.actorID
			w.ValidatedBy = &actor
		}
		w.ValidationRating = fx.rating
	}
	if to == domain.StatusRevisionRequested && w.Status != domain.StatusRevisionRequested {
		w.RevisionCount++
	}
	w.Status = to
}
