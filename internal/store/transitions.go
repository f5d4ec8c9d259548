package store

import "qms/token-service/internal/models"

const (
	ActionCallNext     = "call_next"
	ActionStartServing = "start_serving"
	ActionComplete     = "complete"
	ActionCancel       = "cancel"
	ActionExpire       = "expire"
)

var transitionMap = map[string][]string{
	ActionCallNext:     {models.StatusWaiting},
	ActionStartServing: {models.StatusCalled},
	ActionComplete:     {models.StatusCalled, models.StatusServing},
	ActionCancel:       {models.StatusWaiting, models.StatusCalled},
	ActionExpire:       {models.StatusWaiting},
}

var targetStatus = map[string]string{
	ActionCallNext:     models.StatusCalled,
	ActionStartServing: models.StatusServing,
	ActionComplete:     models.StatusServed,
	ActionCancel:       models.StatusCancelled,
	ActionExpire:       models.StatusExpired,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the statuses action may start from.
func AllowedFrom(action string) []string {
	allowed := transitionMap[action]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

// TargetStatus returns the status action moves a token into.
func TargetStatus(action string) (string, bool) {
	status, ok := targetStatus[action]
	return status, ok
}

// CanMove reports whether some action moves a token from one status to another.
func CanMove(from, to string) bool {
	for action, target := range targetStatus {
		if target == to && ValidTransition(action, from) {
			return true
		}
	}
	return false
}
