package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/api"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(filepath.Join(t.TempDir(), "identities.yaml"))
	require.NoError(t, err)
	return v
}

func TestVerifyUnlockedNamePasses(t *testing.T) {
	v := newTestVerifier(t)

	ident, err := v.Verify(context.Background(), "alpha", "/tmp/p")
	require.NoError(t, err)
	assert.Equal(t, "alpha", ident.AgentName)
	assert.Equal(t, "/tmp/p", ident.ProjectDirectory)
}

func TestVerifyRejectsRelativeDirectory(t *testing.T) {
	v := newTestVerifier(t)

	_, err := v.Verify(context.Background(), "alpha", "relative/path")
	assert.Equal(t, api.KindInvalidArgument, api.KindOf(err))
}

func TestLockIsOneWay(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.Lock(ctx, "alpha", "/tmp/p"))

	// Relocking the same binding is a no-op.
	require.NoError(t, v.Lock(ctx, "alpha", "/tmp/p"))

	// A different directory is a conflict.
	err := v.Lock(ctx, "alpha", "/tmp/q")
	assert.Equal(t, api.KindConflict, api.KindOf(err))
}

func TestVerifyDetectsSpoofing(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.Lock(ctx, "alpha", "/tmp/p"))

	// Correct claim passes.
	_, err := v.Verify(ctx, "alpha", "/tmp/p")
	require.NoError(t, err)

	// A second process claiming "alpha" from another directory is
	// rejected as spoofing.
	_, err = v.Verify(ctx, "alpha", "/tmp/q")
	assert.Equal(t, api.KindIdentitySpoofing, api.KindOf(err))
}

func TestLocksSurviveReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.yaml")
	ctx := context.Background()

	v1, err := NewVerifier(path)
	require.NoError(t, err)
	require.NoError(t, v1.Lock(ctx, "alpha", "/tmp/p"))

	v2, err := NewVerifier(path)
	require.NoError(t, err)
	_, err = v2.Verify(ctx, "alpha", "/tmp/q")
	assert.Equal(t, api.KindIdentitySpoofing, api.KindOf(err))
}

func TestClearRequiresExistingLock(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	err := v.Clear(ctx, "ghost")
	assert.Equal(t, api.KindNotFound, api.KindOf(err))

	require.NoError(t, v.Lock(ctx, "alpha", "/tmp/p"))
	require.NoError(t, v.Clear(ctx, "alpha"))

	// Cleared names can be relocked elsewhere.
	require.NoError(t, v.Lock(ctx, "alpha", "/tmp/q"))
}

func TestLockFileRoundTrip(t *testing.T) {
	root := t.TempDir()

	written, err := WriteLockFile(root, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", written.AgentName)

	loaded, err := LoadLockFile(root)
	require.NoError(t, err)
	assert.Equal(t, written.AgentName, loaded.AgentName)
	assert.Equal(t, written.ProjectDirectory, loaded.ProjectDirectory)
	assert.False(t, loaded.LockedAt.IsZero())
}

func TestLoadLockFileMissing(t *testing.T) {
	_, err := LoadLockFile(t.TempDir())
	assert.Error(t, err)
}
