package eventbus

import "time"

// Event types published by the fleet and recovery layers. Subscribers switch
// on Type and assert Data to the matching payload struct.
const (
	TypeVisit             = "visit.result"
	TypeAccountChallenged = "account.challenged"
	TypeAccountBanned     = "account.banned"
	TypeAccountResolved   = "account.resolved"
	TypeWorkerRestarted   = "worker.restarted"
	TypeThrottle          = "throttle.engaged"
)

// VisitEvent is the payload for TypeVisit.
type VisitEvent struct {
	WorkerID  int           `json:"worker_id"`
	Outcome   string        `json:"outcome"`
	Sightings int           `json:"sightings"`
	Empty     bool          `json:"empty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// AccountEvent is the payload for the account.* types.
type AccountEvent struct {
	Username string `json:"username"`
	WorkerID int    `json:"worker_id"`
}

// WorkerEvent is the payload for TypeWorkerRestarted.
type WorkerEvent struct {
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason"`
}

// ThrottleEvent is the payload for TypeThrottle.
type ThrottleEvent struct {
	Window time.Duration `json:"window"`
	Until  time.Time     `json:"until"`
}
