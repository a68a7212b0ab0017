package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Risk Level
// =============================================================================

// RiskLevel classifies how dangerous a finding is.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// String returns the string representation of the risk level.
func (r RiskLevel) String() string {
	return string(r)
}

// IsValid returns true if the risk level is a recognized value.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLevelLow, RiskLevelMedium, RiskLevelHigh:
		return true
	}
	return false
}

// =============================================================================
// Finding
// =============================================================================

// Finding is a single identified safety issue tied to one photo. Findings are
// immutable once created; re-analyzing a photo replaces its finding set
// wholesale so mixed versions never coexist.
type Finding struct {
	ID               uuid.UUID
	PhotoID          uuid.UUID
	Description      string
	RiskLevel        RiskLevel
	CorrectiveAction string
	PreventiveAction string
	CreatedAt        time.Time
}

// FindingCounts summarizes findings by risk level.
type FindingCounts struct {
	Total  int
	Low    int
	Medium int
	High   int
}

// CountFindings tallies findings per risk level. Unknown levels count toward
// the total only.
func CountFindings(findings []Finding) FindingCounts {
	var counts FindingCounts
	for _, f := range findings {
		counts.Total++
		switch f.RiskLevel {
		case RiskLevelLow:
			counts.Low++
		case RiskLevelMedium:
			counts.Medium++
		case RiskLevelHigh:
			counts.High++
		}
	}
	return counts
}
