// Package types provides the shared data model of the memory engine.
package types

import (
	"fmt"
	"math"
	"time"
)

// Role identifies who produced a dialogue turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MemoryType is the interaction kind a memory was created from.
type MemoryType string

const (
	MemoryInteraction MemoryType = "interaction"
	MemorySummary     MemoryType = "summary"
	MemoryNote        MemoryType = "note"
)

// Weight bounds.
const (
	MinWeight     = 0.0
	MaxWeight     = 10.0
	DefaultWeight = 1.0
)

// Tier is the retention class of a memory. It is derived from the weight and
// never stored.
type Tier string

const (
	TierCore      Tier = "core"
	TierArchive   Tier = "archive"
	TierLongTerm  Tier = "long_term"
	TierShortTerm Tier = "short_term"
)

// Tier thresholds (inclusive lower bounds).
const (
	CoreThreshold     = 9.0
	ArchiveThreshold  = 7.0
	LongTermThreshold = 4.0
)

// Tiers lists every tier from most to least important.
var Tiers = []Tier{TierCore, TierArchive, TierLongTerm, TierShortTerm}

// TierOf maps a weight to its tier.
func TierOf(weight float64) Tier {
	switch {
	case weight >= CoreThreshold:
		return TierCore
	case weight >= ArchiveThreshold:
		return TierArchive
	case weight >= LongTermThreshold:
		return TierLongTerm
	default:
		return TierShortTerm
	}
}

// WeightRange returns the half-open weight interval [lo, hi) covered by t.
func (t Tier) WeightRange() (lo, hi float64) {
	switch t {
	case TierCore:
		return CoreThreshold, math.Inf(1)
	case TierArchive:
		return ArchiveThreshold, CoreThreshold
	case TierLongTerm:
		return LongTermThreshold, ArchiveThreshold
	default:
		return math.Inf(-1), LongTermThreshold
	}
}

// Rank orders tiers, higher is more important.
func (t Tier) Rank() int {
	switch t {
	case TierCore:
		return 3
	case TierArchive:
		return 2
	case TierLongTerm:
		return 1
	default:
		return 0
	}
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", NewError(ErrInvalidInput, fmt.Sprintf("unknown tier %q", s))
}

// ClampWeight limits w to [MinWeight, MaxWeight]. NaN becomes DefaultWeight.
func ClampWeight(w float64) float64 {
	if math.IsNaN(w) {
		return DefaultWeight
	}
	return math.Max(MinWeight, math.Min(MaxWeight, w))
}

// Memory is a single remembered dialogue turn.
type Memory struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Role         Role              `json:"role"`
	Type         MemoryType        `json:"type"`
	SessionID    string            `json:"session_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Weight       float64           `json:"weight"`
	GroupID      string            `json:"group_id,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Tier returns the memory's tier.
func (m Memory) Tier() Tier {
	return TierOf(m.Weight)
}

// Clone returns a deep copy.
func (m Memory) Clone() Memory {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
