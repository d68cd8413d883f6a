package privacy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/models"
)

type relations struct {
	follows map[[2]int64]bool
	blocks  map[[2]int64]bool
	err     error
}

func (r relations) IsFollowing(_ context.Context, followerID, followeeID int64) (bool, error) {
	return r.follows[[2]int64{followerID, followeeID}], r.err
}

func (r relations) IsBlocked(_ context.Context, a, b int64) (bool, error) {
	return r.blocks[[2]int64{a, b}] || r.blocks[[2]int64{b, a}], r.err
}

const (
	sender   int64 = 1
	receiver int64 = 2
)

func TestNobodyAlwaysDenies(t *testing.T) {
	cases := []relations{
		{},
		{follows: map[[2]int64]bool{{receiver, sender}: true, {sender, receiver}: true}},
		{blocks: map[[2]int64]bool{{receiver, sender}: true}},
	}
	for _, rel := range cases {
		d, err := Evaluate(context.Background(), sender, receiver, models.DMNobody, rel)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, models.ReasonReceiverDisabledDMs, d.ReasonCode)
	}
}

func TestEveryoneAllowsWithoutBlock(t *testing.T) {
	d, err := Evaluate(context.Background(), sender, receiver, models.DMEveryone, relations{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.ReasonOK, d.ReasonCode)
}

func TestEveryoneDeniesBlockInEitherDirection(t *testing.T) {
	for _, pair := range [][2]int64{{receiver, sender}, {sender, receiver}} {
		rel := relations{blocks: map[[2]int64]bool{pair: true}}
		d, err := Evaluate(context.Background(), sender, receiver, models.DMEveryone, rel)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, models.ReasonReceiverBlocksSender, d.ReasonCode)
	}
}

func TestFollowersRequiresReceiverToFollowSender(t *testing.T) {
	tests := []struct {
		name    string
		follows map[[2]int64]bool
		allowed bool
	}{
		{name: "receiver follows sender", follows: map[[2]int64]bool{{receiver, sender}: true}, allowed: true},
		{name: "only sender follows receiver", follows: map[[2]int64]bool{{sender, receiver}: true}, allowed: false},
		{name: "no relationship", follows: nil, allowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Evaluate(context.Background(), sender, receiver, models.DMFollowers, relations{follows: tt.follows})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, models.ReasonFollowersOnlyNotFollowing, d.ReasonCode)
			}
		})
	}
}

func TestLookupErrorIsNotADenial(t *testing.T) {
	_, err := Evaluate(context.Background(), sender, receiver, models.DMFollowers, relations{err: assert.AnError})
	require.ErrorIs(t, err, assert.AnError)

	_, err = Evaluate(context.Background(), sender, receiver, models.DMEveryone, relations{err: assert.AnError})
	require.ErrorIs(t, err, assert.AnError)
}

func TestUnknownSetting(t *testing.T) {
	_, err := Evaluate(context.Background(), sender, receiver, models.DMPrivacy("friends"), relations{})
	require.Error(t, err)
}
