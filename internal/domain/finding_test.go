package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCountFindings(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		want     FindingCounts
	}{
		{
			name:     "empty list",
			findings: []Finding{},
			want:     FindingCounts{},
		},
		{
			name: "all high",
			findings: []Finding{
				{ID: uuid.New(), RiskLevel: RiskLevelHigh},
				{ID: uuid.New(), RiskLevel: RiskLevelHigh},
			},
			want: FindingCounts{Total: 2, High: 2},
		},
		{
			name: "mixed levels",
			findings: []Finding{
				{ID: uuid.New(), RiskLevel: RiskLevelLow},
				{ID: uuid.New(), RiskLevel: RiskLevelMedium},
				{ID: uuid.New(), RiskLevel: RiskLevelHigh},
				{ID: uuid.New(), RiskLevel: RiskLevelMedium},
			},
			want: FindingCounts{Total: 4, Low: 1, Medium: 2, High: 1},
		},
		{
			name: "unknown level counts in total only",
			findings: []Finding{
				{ID: uuid.New(), RiskLevel: RiskLevel("severe")},
				{ID: uuid.New(), RiskLevel: RiskLevelLow},
			},
			want: FindingCounts{Total: 2, Low: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountFindings(tt.findings))
		})
	}
}

func TestRiskLevel_IsValid(t *testing.T) {
	assert.True(t, RiskLevelLow.IsValid())
	assert.True(t, RiskLevelMedium.IsValid())
	assert.True(t, RiskLevelHigh.IsValid())
	assert.False(t, RiskLevel("critical").IsValid())
	assert.False(t, RiskLevel("").IsValid())
}
