package models

type QueueStatus struct {
	DepartmentID              string  `json:"department_id"`
	DivisionID                string  `json:"division_id"`
	Date                      string  `json:"date"`
	TokensWaiting             int     `json:"tokens_waiting"`
	TokensCalled              int     `json:"tokens_called"`
	TokensServed              int     `json:"tokens_served"`
	TokensCancelled           int     `json:"tokens_cancelled"`
	TokensExpired             int     `json:"tokens_expired"`
	TokensIssuedTotal         int     `json:"tokens_issued_total"`
	AverageServiceTimeMinutes float64 `json:"average_service_time_minutes"`
	EstimatedWaitTimeMinutes  float64 `json:"estimated_wait_time_minutes"`
	CurrentServingToken       *Token  `json:"current_serving_token"`
}

// RegistryEntry is the slice of a visitor registry record needed to issue a token.
type RegistryEntry struct {
	RegistryID    string `json:"registry_id"`
	VisitorName   string `json:"visitor_name,omitempty"`
	DepartmentID  string `json:"department_id"`
	DivisionID    string `json:"division_id"`
	PriorityLevel string `json:"priority_level,omitempty"`
}
