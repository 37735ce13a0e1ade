package models

import (
	"fmt"
	"time"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local-wins"
	StrategyRemoteWins Strategy = "remote-wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLocalWins, StrategyRemoteWins, StrategyMerge, StrategyManual:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Conflict is a record present on both sides whose tracked fields disagree.
type Conflict struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Local             Record      `json:"local"`
	Remote            Record      `json:"remote"`
	ConflictingFields []string    `json:"conflictingFields"`
	DetectedAt        time.Time   `json:"detectedAt"`
	Resolution        *Resolution `json:"resolution,omitempty"`
}

// Resolved reports whether a resolution has been attached.
func (c Conflict) Resolved() bool {
	return c.Resolution != nil
}

// Resolution is the outcome of applying a strategy to a conflict.
type Resolution struct {
	Strategy   Strategy  `json:"strategy"`
	Record     Record    `json:"record"`
	ResolvedAt time.Time `json:"resolvedAt"`
}
