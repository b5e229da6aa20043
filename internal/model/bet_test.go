package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBetStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from BetStatus
		to   BetStatus
		want bool
	}{
		{BetStatusPending, BetStatusActive, true},
		{BetStatusPending, BetStatusExpired, true},
		{BetStatusPending, BetStatusResolved, false},
		{BetStatusActive, BetStatusResolved, true},
		{BetStatusActive, BetStatusExpired, true},
		{BetStatusActive, BetStatusPending, false},
		{BetStatusResolved, BetStatusExpired, false},
		{BetStatusExpired, BetStatusActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, BetStatusResolved.IsTerminal())
	assert.True(t, BetStatusExpired.IsTerminal())
	assert.False(t, BetStatusActive.IsTerminal())
	assert.Equal(t, "UNKNOWN", BetStatus(99).String())
}

func TestBet_Participants(t *testing.T) {
	bet := &Bet{CreatorID: "alice"}

	assert.True(t, bet.AddParticipant("bob"))
	assert.False(t, bet.AddParticipant("bob"))
	assert.True(t, bet.AddParticipant("carol"))

	assert.True(t, bet.IsEligibleWinner("alice"))
	assert.True(t, bet.IsEligibleWinner("carol"))
	assert.False(t, bet.IsEligibleWinner("mallory"))
	assert.False(t, bet.IsEligibleWinner(""))

	clone := bet.Clone()
	assert.True(t, bet.RemoveParticipant("bob"))
	assert.False(t, bet.RemoveParticipant("bob"))
	assert.Equal(t, []string{"carol"}, bet.Participants)
	assert.Equal(t, []string{"bob", "carol"}, clone.Participants, "clone must not share the participant slice")
}

func TestBet_IsExpired(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	bet := &Bet{ExpiryTime: now.UnixMilli()}

	assert.True(t, bet.IsExpired(now))
	assert.False(t, bet.IsExpired(now.Add(-time.Millisecond)))
}


func TestIsValidAmount(t *testing.T) {
	assert.True(t, IsValidAmount(decimal.Zero))
	assert.True(t, IsValidAmount(decimal.RequireFromString("1000000000000000000")))
	assert.False(t, IsValidAmount(decimal.RequireFromString("1.5")))
	assert.False(t, IsValidAmount(decimal.NewFromInt(-1)))
	assert.Equal(t, "1000000000000000000", AmountToBig(decimal.RequireFromString("1e18")).String())
}
