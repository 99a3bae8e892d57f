package workflow

import "strings"

const (
	ComplaintPending    = "pending"
	ComplaintInProgress = "in_progress"
	ComplaintResolved   = "resolved"
	ComplaintClosed     = "closed"
)

const (
	EventStarted  = "complaint_started"
	EventResolved = "complaint_resolved"
	EventClosed   = "complaint_closed"
)

var complaintTransitions = map[string]map[string]string{
	ComplaintPending: {
		ComplaintInProgress: EventStarted,
		ComplaintResolved:   EventResolved,
	},
	ComplaintInProgress: {
		ComplaintResolved: EventResolved,
	},
	ComplaintResolved: {
		ComplaintClosed: EventClosed,
	},
	// Closed complaints can still be resolved from the console.
	ComplaintClosed: {
		ComplaintResolved: EventResolved,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := complaintTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := complaintTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// CanStart reports whether "Mark In Progress" is offered.
func CanStart(status string) bool {
	return NormalizeStatus(status) == ComplaintPending
}

// HasActions reports whether a complaint still accepts staff actions.
// Anything short of resolved does, closed included.
func HasActions(status string) bool {
	return NormalizeStatus(status) != ComplaintResolved
}

// Filters are the complaint list filters offered to staff; "all" sends no
// status filter.
func Filters() []string {
	return []string{"all", ComplaintPending, ComplaintInProgress, ComplaintResolved}
}
