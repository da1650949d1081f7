package engine

import (
	"errors"
	"fmt"

	"proofreel/internal/domain"
	"proofreel/internal/repo"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrVersionConflict        = repo.ErrVersionConflict
	ErrNotFound               = repo.ErrNotFound
	ErrLinkNotFound           = errors.New("review link not found")
	ErrLinkInactive           = errors.New("review link inactive")
	ErrLinkExpired            = errors.New("review link expired")
	ErrDuplicateFeedback      = errors.New("feedback already submitted for this review link")
	ErrInvalidInput           = errors.New("invalid input")
)

// TransitionError describes a rejected action. It matches
// ErrInvalidStateTransition with errors.Is.
type TransitionError struct {
	WorkItemID string
	From       domain.Status
	Action     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s work item %s in status %s", e.Action, e.WorkItemID, e.From)
}

func (e TransitionError) Unwrap() error { return ErrInvalidStateTransition }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
