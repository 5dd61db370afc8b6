package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/nanopix/types"
)

func TestGateAuthorize(t *testing.T) {
	s, mock := newTestStore(t)
	gate := NewGate(s)
	ctx := context.Background()

	ent := issue(t, s, "sunset", txA)

	grant, err := gate.Authorize(ctx, ent.Token, "sunset")
	require.NoError(t, err)
	assert.Equal(t, "sunset", grant.AssetID)
	assert.Equal(t, buyer, grant.Subject)

	// repeat downloads are allowed
	_, err = gate.Authorize(ctx, ent.Token, "")
	require.NoError(t, err)

	_, err = gate.Authorize(ctx, ent.Token, "harbor")
	assert.True(t, types.IsReason(err, types.ReasonForbidden))

	_, err = gate.Authorize(ctx, "unknown", "sunset")
	assert.True(t, types.IsReason(err, types.ReasonForbidden))
	assert.ErrorIs(t, err, types.ErrTokenUnknown)

	mock.Add(2 * time.Hour)
	_, err = gate.Authorize(ctx, ent.Token, "sunset")
	assert.True(t, types.IsReason(err, types.ReasonForbidden))
	assert.ErrorIs(t, err, types.ErrTokenExpired)
}

func TestGateSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	gate := NewGate(s, SingleUse(true))
	ctx := context.Background()

	ent := issue(t, s, "sunset", txA)

	_, err := gate.Authorize(ctx, ent.Token, "sunset")
	require.NoError(t, err)

	_, err = gate.Authorize(ctx, ent.Token, "sunset")
	assert.ErrorIs(t, err, types.ErrTokenRevoked)
	assert.True(t, types.IsReason(err, types.ReasonForbidden))
}
