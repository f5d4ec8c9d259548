package models

import "time"

type Token struct {
	TokenID          string     `json:"token_id"`
	TokenNumber      string     `json:"token_number"`
	Sequence         int64      `json:"sequence"`
	DepartmentID     string     `json:"department_id"`
	DivisionID       string     `json:"division_id"`
	IssueDate        time.Time  `json:"issue_date"`
	RegistryID       *string    `json:"registry_id,omitempty"`
	Status           string     `json:"status"`
	PriorityLevel    string     `json:"priority_level"`
	CreatedAt        time.Time  `json:"created_at"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	CalledBy         *string    `json:"called_by,omitempty"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	ClosedBy         *string    `json:"closed_by,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CompletionNote   string     `json:"completion_note,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusServed    = "served"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

const (
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
	PriorityVIP    = "vip"
)

// PriorityRank orders priority levels; higher ranks are called first.
func PriorityRank(level string) int {
	switch level {
	case PriorityVIP:
		return 2
	case PriorityUrgent:
		return 1
	default:
		return 0
	}
}

func ValidPriority(level string) bool {
	switch level {
	case PriorityNormal, PriorityUrgent, PriorityVIP:
		return true
	}
	return false
}

func IsTerminal(status string) bool {
	switch status {
	case StatusServed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Scope is the unit of numbering and queue ordering.
type Scope struct {
	DepartmentID string
	DivisionID   string
	Date         time.Time
}

// Key renders the scope as "department:division:YYYY-MM-DD".
func (s Scope) Key() string {
	return s.DepartmentID + ":" + s.DivisionID + ":" + s.Date.Format(DateLayout)
}

func (t Token) Scope() Scope {
	return Scope{DepartmentID: t.DepartmentID, DivisionID: t.DivisionID, Date: t.IssueDate}
}

const DateLayout = "2006-01-02"

// IssueDay returns the calendar day of t in loc, as midnight UTC.
func IssueDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
