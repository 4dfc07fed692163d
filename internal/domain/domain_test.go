package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventQuery_Normalize(t *testing.T) {
	q := EventQuery{}
	q.Normalize()
	assert.Equal(t, 100, q.Limit)
	assert.Equal(t, SortNewestFirst, q.Sort)

	q = EventQuery{Limit: 99999}
	q.Normalize()
	assert.Equal(t, QueryLimitMax, q.Limit)
}

func TestEventQuery_Matches(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := AuditEvent{
		Timestamp:  base,
		Type:       "LoginFailure",
		Category:   CategoryAuthentication,
		Severity:   SeverityHigh,
		ActorID:    "user-7",
		ResourceID: "vault-1",
		Action:     "login",
		Outcome:    OutcomeFailure,
	}

	cases := []struct {
		name string
		q    EventQuery
		want bool
	}{
		{"empty matches all", EventQuery{}, true},
		{"time window hit", EventQuery{From: base.Add(-time.Hour), To: base.Add(time.Hour)}, true},
		{"before window", EventQuery{From: base.Add(time.Minute)}, false},
		{"type filter", EventQuery{Types: []string{"LoginFailure"}}, true},
		{"type mismatch", EventQuery{Types: []string{"ConfigChange"}}, false},
		{"actor", EventQuery{ActorID: "user-7"}, true},
		{"min severity met", EventQuery{MinSeverity: SeverityMedium}, true},
		{"min severity not met", EventQuery{MinSeverity: SeverityCritical}, false},
		{"free text on action", EventQuery{FreeText: "logi"}, true},
		{"free text miss", EventQuery{FreeText: "delete"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.q.Matches(&e))
		})
	}
}

func TestAlertStatus_ForwardOnly(t *testing.T) {
	assert.True(t, AlertActive.CanTransitionTo(AlertAcknowledged))
	assert.True(t, AlertActive.CanTransitionTo(AlertResolved))
	assert.True(t, AlertAcknowledged.CanTransitionTo(AlertResolved))

	assert.False(t, AlertResolved.CanTransitionTo(AlertAcknowledged))
	assert.False(t, AlertResolved.CanTransitionTo(AlertActive))
	assert.False(t, AlertAcknowledged.CanTransitionTo(AlertActive))
	assert.False(t, AlertActive.CanTransitionTo(AlertActive))
}

func TestStorageTier_ForwardOnly(t *testing.T) {
	assert.True(t, TierHot.CanTransitionTo(TierWarm))
	assert.True(t, TierWarm.CanTransitionTo(TierCold))
	assert.False(t, TierCold.CanTransitionTo(TierWarm))
	assert.False(t, TierWarm.CanTransitionTo(TierHot))
}

func TestSeverity_Helpers(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(""))
	assert.False(t, SeverityLow.AtLeast(SeverityHigh))
	assert.True(t, SeverityMedium.Valid())
	assert.False(t, Severity("URGENT").Valid())
	assert.ElementsMatch(t, []Severity{SeverityHigh, SeverityCritical}, SeveritiesAtLeast(SeverityHigh))
}
