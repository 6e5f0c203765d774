package id

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShape(t *testing.T) {
	pattern := regexp.MustCompile(`^agent_[0-9a-f]{16}$`)

	s, err := New(PrefixAgent)
	require.NoError(t, err)
	assert.True(t, pattern.MatchString(s), "got %q", s)
}

func TestNewAllPrefixes(t *testing.T) {
	prefixes := []Prefix{
		PrefixAgent, PrefixCapability, PrefixMessage, PrefixTask,
		PrefixWorkflow, PrefixStep, PrefixEvent, PrefixAudit,
	}
	for _, p := range prefixes {
		s, err := New(p)
		require.NoError(t, err)
		assert.True(t, Valid(s), "prefix %s produced invalid id %q", p, s)
		assert.True(t, HasPrefix(s, p))
	}
}

func TestNewNoCollisionsInBatch(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		s, err := New(PrefixEvent)
		require.NoError(t, err)
		_, dup := seen[s]
		require.False(t, dup, "duplicate id %q after %d draws", s, i)
		seen[s] = struct{}{}
	}
}

func TestNewBodyUsesFullNibbleSpace(t *testing.T) {
	// Every position of the 16-char body must range over the hex
	// alphabet; a fixed version or variant nibble would pin one.
	seen := make([]map[byte]bool, 16)
	for i := range seen {
		seen[i] = make(map[byte]bool)
	}
	for i := 0; i < 512; i++ {
		s, err := New(PrefixEvent)
		require.NoError(t, err)
		body := s[len("evt_"):]
		require.Len(t, body, 16)
		for j := 0; j < len(body); j++ {
			seen[j][body[j]] = true
		}
	}
	for j, vals := range seen {
		assert.Greater(t, len(vals), 8, "body position %d shows too few values", j)
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	invalid := []string{
		"",
		"agent_",
		"agent_XYZ",
		"agent_0123456789abcde",             // 15 chars
		"agent_0123456789abcdef0",           // 17 chars
		"agent_0123456789ABCDEF",            // uppercase
		"robot_0123456789abcdef",            // unknown prefix
		"agent-0123456789abcdef",            // wrong separator
		"agent_0123456789abcdef_0123456789", // trailing junk
	}
	for _, s := range invalid {
		assert.False(t, Valid(s), "expected %q to be rejected", s)
	}

	assert.True(t, Valid("wf_00ff00ff00ff00ff"))
	assert.True(t, Valid("audit_deadbeefdeadbeef"))
}

func TestHasPrefixDistinguishesTypes(t *testing.T) {
	s := MustNew(PrefixTask)
	assert.True(t, HasPrefix(s, PrefixTask))
	assert.False(t, HasPrefix(s, PrefixAgent))
}
