package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/api"
)

func TestNewApplicationWiresEveryHandler(t *testing.T) {
	app, err := NewApplication(Options{DataDir: t.TempDir(), Silent: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		app.store.Close()
		api.ResetForTesting()
	})

	assert.NotNil(t, api.GetStore())
	assert.NotNil(t, api.GetAuthority())
	assert.NotNil(t, api.GetAudit())
	assert.NotNil(t, api.GetFabric())
	assert.NotNil(t, api.GetIdentity())
	assert.NotNil(t, api.GetCoordinator())
	assert.False(t, api.GetAuthority().Halted())
}

func TestNewApplicationAppliesOverrides(t *testing.T) {
	app, err := NewApplication(Options{
		DataDir:   t.TempDir(),
		Silent:    true,
		Port:      9200,
		Transport: "sse",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		app.store.Close()
		api.ResetForTesting()
	})

	assert.Equal(t, 9200, app.Config().Server.Port)
	assert.Equal(t, "sse", app.Config().Server.Transport)
}

func TestNewApplicationRejectsBadTransportOverride(t *testing.T) {
	_, err := NewApplication(Options{DataDir: t.TempDir(), Silent: true, Transport: "smoke-signals"})
	assert.Error(t, err)
}

func TestHaltSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	app, err := NewApplication(Options{DataDir: dir, Silent: true})
	require.NoError(t, err)

	_, err = app.store.UserOverride(ctx, api.UserOverrideRequest{
		Actor:          "operator",
		Action:         api.OverrideEmergencyHalt,
		Reason:         "maintenance",
		AuthorityLevel: api.LevelUser,
	})
	require.NoError(t, err)
	require.NoError(t, app.store.Close())
	api.ResetForTesting()

	reopened, err := NewApplication(Options{DataDir: dir, Silent: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		reopened.store.Close()
		api.ResetForTesting()
	})

	assert.True(t, reopened.engine.Halted())
	assert.Equal(t, "maintenance", reopened.engine.HaltReason())
}
