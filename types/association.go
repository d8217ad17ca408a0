package types

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// AssociationType is the kind of link between two memories.
type AssociationType string

const (
	AssocRelated     AssociationType = "related"
	AssocContradicts AssociationType = "contradicts"
	AssocElaborates  AssociationType = "elaborates"
	AssocSummarizes  AssociationType = "summarizes"
	AssocPrecedes    AssociationType = "precedes"
	AssocCauses      AssociationType = "causes"
	AssocSameTopic   AssociationType = "same_topic"
)

var associationTypes = map[AssociationType]struct{}{
	AssocRelated:     {},
	AssocContradicts: {},
	AssocElaborates:  {},
	AssocSummarizes:  {},
	AssocPrecedes:    {},
	AssocCauses:      {},
	AssocSameTopic:   {},
}

// Valid reports whether t is one of the known association types.
func (t AssociationType) Valid() bool {
	_, ok := associationTypes[t]
	return ok
}

// ParseAssociationType validates an association type name.
func ParseAssociationType(s string) (AssociationType, error) {
	t := AssociationType(s)
	if !t.Valid() {
		return "", NewError(ErrInvalidInput, fmt.Sprintf("unknown association type %q", s))
	}
	return t, nil
}

// Association is a directed, typed, weighted edge between two memories.
type Association struct {
	ID            string          `json:"id"`
	SourceKey     string          `json:"source_key"`
	TargetKey     string          `json:"target_key"`
	Type          AssociationType `json:"type"`
	Strength      float64         `json:"strength"`
	CreatedAt     time.Time       `json:"created_at"`
	LastActivated time.Time       `json:"last_activated"`
}

// AssociationID derives the stable edge id for a (source, target, type) triple.
func AssociationID(source, target string, t AssociationType) string {
	sum := sha1.Sum([]byte(source + "|" + target + "|" + string(t)))
	return hex.EncodeToString(sum[:16])
}

// ClampStrength limits s to [0, 1].
func ClampStrength(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(1, s))
}
