package domain

import "time"

// TimeLayout is the storage format for every timestamp column.
const TimeLayout = time.RFC3339

// Urgency buckets the time left before a deadline.
type Urgency string

const (
	UrgencyNone    Urgency = "none"
	UrgencyLow     Urgency = "low"
	UrgencyMedium  Urgency = "medium"
	UrgencyHigh    Urgency = "high"
	UrgencyOverdue Urgency = "overdue"
)

const (
	highUrgencyWindow   = 24 * time.Hour
	mediumUrgencyWindow = 72 * time.Hour
)

// FormatTime renders t in the storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// IsTerminal reports whether no further deliveries, links or feedback may be
// created against an item in status s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a status that may be stored.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusReviewAdmin, StatusReviewClient,
		StatusRevisionRequested, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	return k == KindVideo || k == KindDesign
}

func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRevisionRequested
}

func (t DeliveryType) Valid() bool {
	return t == DeliveryFile || t == DeliveryLink
}

// IsLate reports whether work in status with the given deadline is overdue at
// now. Only items that have not been submitted yet can be late.
func IsLate(status Status, deadline *string, now time.Time) bool {
	if status != StatusNew && status != StatusActive {
		return false
	}
	if deadline == nil || *deadline == "" {
		return false
	}
	d, err := ParseTime(*deadline)
	if err != nil {
		return false
	}
	return now.After(d)
}

// EffectiveStatus is the status as observed at now: the stored status, or
// StatusLate for new/active items past their deadline.
func EffectiveStatus(status Status, deadline *string, now time.Time) Status {
	if IsLate(status, deadline, now) {
		return StatusLate
	}
	return status
}

// UrgencyAt classifies the remaining time before the deadline.
func UrgencyAt(status Status, deadline *string, now time.Time) Urgency {
	if status.IsTerminal() || deadline == nil || *deadline == "" {
		return UrgencyNone
	}
	d, err := ParseTime(*deadline)
	if err != nil {
		return UrgencyNone
	}
	left := d.Sub(now)
	switch {
	case left < 0:
		return UrgencyOverdue
	case left <= highUrgencyWindow:
		return UrgencyHigh
	case left <= mediumUrgencyWindow:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Derive fills the read-time attributes of w for the instant now.
func (w WorkItem) Derive(now time.Time) WorkItem {
	w.EffectiveStatus = EffectiveStatus(w.Status, w.Deadline, now)
	w.Late = w.EffectiveStatus == StatusLate
	w.Urgency = UrgencyAt(w.Status, w.Deadline, now)
	return w
}

// Expired reports whether the link is past its expiry at now.
func (l ReviewLink) Expired(now time.Time) bool {
	exp, err := ParseTime(l.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}
