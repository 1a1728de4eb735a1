package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewPicksConfigByEnvironment(t *testing.T) {
	prod, err := New("production")
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))

	dev, err := New("development")
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
