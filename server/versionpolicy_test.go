package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/config"
)

func TestExactVersion(t *testing.T) {
	p := ExactVersion(3)
	assert.True(t, p.Accepts(3))
	assert.False(t, p.Accepts(2))
	assert.False(t, p.Accepts(4))
	assert.Equal(t, "exact(3)", p.String())
}

func TestVersionRange(t *testing.T) {
	p := VersionRange{Min: 2, Max: 4}
	assert.False(t, p.Accepts(1))
	assert.True(t, p.Accepts(2))
	assert.True(t, p.Accepts(3))
	assert.True(t, p.Accepts(4))
	assert.False(t, p.Accepts(5))
}

func TestVersionAllowList(t *testing.T) {
	p := VersionAllowList{1, 3}
	assert.True(t, p.Accepts(1))
	assert.False(t, p.Accepts(2))
	assert.True(t, p.Accepts(3))

	empty := VersionAllowList{}
	assert.False(t, empty.Accepts(1))
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.VersionPolicyConfig{Mode: config.PolicyModeExact, Exact: 2})
	require.NoError(t, err)
	assert.True(t, p.Accepts(2))
	assert.False(t, p.Accepts(1))

	p, err = PolicyFromConfig(config.VersionPolicyConfig{Mode: config.PolicyModeRange, Min: 1, Max: 3})
	require.NoError(t, err)
	assert.True(t, p.Accepts(2))
	assert.False(t, p.Accepts(4))

	p, err = PolicyFromConfig(config.VersionPolicyConfig{Mode: config.PolicyModeAllowList, Allowed: []uint8{5}})
	require.NoError(t, err)
	assert.True(t, p.Accepts(5))
	assert.False(t, p.Accepts(1))

	_, err = PolicyFromConfig(config.VersionPolicyConfig{Mode: "bogus"})
	assert.Error(t, err)
}
