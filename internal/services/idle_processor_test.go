package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matebot/internal/core"
	applog "matebot/internal/log"
)

func quietLogger() *applog.Logger {
	return applog.New(applog.Config{Output: &bytes.Buffer{}})
}

func TestDefaultIdleProcessorConfig(t *testing.T) {
	config := DefaultIdleProcessorConfig()

	if config.Timeout != 0 {
		t.Errorf("expected Timeout 0 (disabled), got %v", config.Timeout)
	}
	if config.CheckInterval != time.Minute {
		t.Errorf("expected CheckInterval 1m, got %v", config.CheckInterval)
	}
}

func TestIdleProcessor_NotInitialized(t *testing.T) {
	p := NewIdleProcessor(nil, nil, IdleProcessorConfig{Timeout: time.Hour}, quietLogger())
	_, err := p.CancelIdle(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestIdleProcessor_CancelIdle(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	p := NewIdleProcessor(h.store, h.service, IdleProcessorConfig{Timeout: time.Hour}, quietLogger())

	stale, err := h.service.CreateCommunism(h.ctx, alice.ID, 500, "forgotten")
	require.NoError(t, err)
	touched, err := h.service.CreateBallot(h.ctx, bob.ID, "still relevant?", false, 0)
	require.NoError(t, err)

	h.clock.Advance(50 * time.Minute)
	_, err = h.service.CastVote(h.ctx, touched.Operation.ID, alice.ID, 1)
	require.NoError(t, err)
	h.clock.Advance(20 * time.Minute)

	n, err := p.CancelIdle(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.service.Get(h.ctx, stale.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Operation.Status)
	assert.Equal(t, core.OutcomeExpired, got.Operation.Outcome)
	assert.Contains(t, got.View.Text, "expired after inactivity")
	assert.False(t, h.registry.IsLive(stale.Operation.ID))

	got, err = h.service.Get(h.ctx, touched.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusOpen, got.Operation.Status)

	n, err = p.CancelIdle(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to expire")
}

func TestIdleProcessor_Disabled(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	p := NewIdleProcessor(h.store, h.service, DefaultIdleProcessorConfig(), quietLogger())

	_, err := h.service.CreateCommunism(h.ctx, alice.ID, 500, "old")
	require.NoError(t, err)
	h.clock.Advance(24 * time.Hour)

	n, err := p.CancelIdle(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, p.Start(h.ctx))
	assert.False(t, p.IsRunning())
}

func TestExpireSkipsTouchedOperation(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	snap, err := h.service.CreateCommunism(h.ctx, alice.ID, 500, "race")
	require.NoError(t, err)
	cutoff := h.clock.Now()

	h.clock.Advance(time.Minute)
	_, err = h.service.JoinOrLeave(h.ctx, snap.Operation.ID, bob.ID)
	require.NoError(t, err)

	expired, err := h.service.Expire(h.ctx, snap.Operation.ID, cutoff)
	require.NoError(t, err)
	assert.False(t, expired)

	_, err = h.service.Cancel(h.ctx, snap.Operation.ID, alice.ID)
	require.NoError(t, err)
	expired, err = h.service.Expire(h.ctx, snap.Operation.ID, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, expired, "closed operations are skipped")
}

func TestIdleProcessor_StartStop(t *testing.T) {
	h := newHarness(t)
	p := NewIdleProcessor(h.store, h.service, IdleProcessorConfig{Timeout: time.Hour, CheckInterval: 10 * time.Millisecond}, quietLogger())

	require.NoError(t, p.Start(h.ctx))
	assert.True(t, p.IsRunning())
	assert.Error(t, p.Start(h.ctx), "second start fails")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Stop(ctx), "stop is idempotent")
}

func TestIdleProcessor_RestartAfterContextCancel(t *testing.T) {
	h := newHarness(t)
	p := NewIdleProcessor(h.store, h.service, IdleProcessorConfig{Timeout: time.Hour, CheckInterval: 10 * time.Millisecond}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !p.IsRunning() }, time.Second, 5*time.Millisecond,
		"loop ended by its context is no longer running")

	require.NoError(t, p.Start(h.ctx), "can start again")
	assert.True(t, p.IsRunning())

	stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, p.Stop(stopCtx))
	assert.False(t, p.IsRunning())
}
