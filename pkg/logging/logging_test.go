package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBuildsALogger(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_ENCODING", "json")

	l, err := New("store")
	require.NoError(t, err)
	assert.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zap.DebugLevel), "warn level must not log debug lines")
}

func TestNewDefaultsToDebugLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_ENCODING", "console")

	l, err := New("")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNewAppliesComponentScopeWithoutError(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("LOG_ENCODING", "json")

	unscoped, err := New("")
	require.NoError(t, err)
	scoped, err := New("namespace")
	require.NoError(t, err)

	assert.NotNil(t, unscoped)
	assert.NotNil(t, scoped)
}
