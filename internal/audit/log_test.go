package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/api"
	"agora/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(store.Options{URI: filepath.Join(t.TempDir(), "agora.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s.DB())
}

func TestRecordAndQuery(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	entries := []api.AuditRecord{
		{Actor: "agent_0000000000000001", Operation: api.OpMessagingSend,
			Subject: "agent_0000000000000002", Outcome: api.AuditGranted, AuthorityLevel: api.LevelWorker},
		{Actor: "agent_0000000000000001", Operation: api.OpTaskAssign,
			Subject: "agent_0000000000000002", Outcome: api.AuditDenied,
			Reason: "authority insufficient", AuthorityLevel: api.LevelWorker},
		{Actor: "user", Operation: api.OpUserOverride,
			Subject: "*", Outcome: api.AuditGranted, Reason: "incident", AuthorityLevel: api.LevelUser},
	}
	for _, rec := range entries {
		require.NoError(t, l.Record(ctx, rec))
	}

	all, err := l.Query(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, rec := range all {
		assert.NotEmpty(t, rec.AuditID)
		assert.False(t, rec.At.IsZero())
	}

	denied, err := l.Query(ctx, map[string]interface{}{"outcome": string(api.AuditDenied)}, 10)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, api.OpTaskAssign, denied[0].Operation)
	assert.Equal(t, "authority insufficient", denied[0].Reason)

	overrides, err := l.Query(ctx, map[string]interface{}{"actor": "user"}, 10)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, api.LevelUser, overrides[0].AuthorityLevel)
}

func TestQueryRejectsUnknownFilter(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Query(context.Background(), map[string]interface{}{"reason": "x"}, 10)
	assert.True(t, api.IsKind(err, api.KindInvalidArgument))
}
