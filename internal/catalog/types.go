package catalog

import (
	"fmt"
	"time"

	"spawnscout/internal/geo"
)

// Confidence tracks how well a spawn point's timing is known.
type Confidence uint8

const (
	ConfidenceNone Confidence = iota
	ConfidenceEstimated
	ConfidenceConfirmed
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceNone:
		return "none"
	case ConfidenceEstimated:
		return "estimated"
	case ConfidenceConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("confidence(%d)", uint8(c))
	}
}

// SpawnPoint is the catalog's record of one recurring spawn location.
//
// ExpireOffset is the point within the recurrence cycle at which activity
// ends; the next deadline is projected from it. Zero CycleAnchored means
// timing is unknown.
type SpawnPoint struct {
	ID  string    `json:"id"`
	Pos geo.Point `json:"pos"`

	CycleAnchored    bool          `json:"cycle_anchored"`
	ExpireOffset     time.Duration `json:"expire_offset"`
	DurationEstimate time.Duration `json:"duration_estimate"`

	LastSeen   time.Time  `json:"last_seen"`
	Confidence Confidence `json:"confidence"`
	Stale      bool       `json:"stale"`

	Observations int `json:"observations"`
}

// Observation is one report about a spawn position, from a scan or a seed.
// ExpiresAt may be zero when the scan saw activity but no timing.
type Observation struct {
	Pos       geo.Point
	SeenAt    time.Time
	ExpiresAt time.Time
}

// Target is a dispatchable view of a spawn point produced by DueTargets.
// Duration is the learned activity-window estimate (zero when unknown).
type Target struct {
	ID       string
	Pos      geo.Point
	Deadline time.Time
	LastSeen time.Time
	Duration time.Duration
}

// PointID derives the catalog identity from a position. Coordinates are
// rounded to ~11cm so repeated observations of the same physical spot
// collapse to one entry.
func PointID(p geo.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}
