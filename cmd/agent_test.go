package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	decl, err := parseCapability("build:7:2")
	require.NoError(t, err)
	assert.Equal(t, "build", decl.CapabilityType)
	assert.Equal(t, 7, decl.ProficiencyLevel)
	assert.Equal(t, 2, decl.MaxConcurrentTasks)
}

func TestParseCapabilityRejectsMalformedSpecs(t *testing.T) {
	for _, spec := range []string{"", "build", "build:7", "build:x:2", "build:7:y", ":7:2"} {
		_, err := parseCapability(spec)
		assert.Error(t, err, spec)
	}
}
