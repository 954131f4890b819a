package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRing_RetainsLastEntries(t *testing.T) {
	t.Parallel()

	ring := NewRing(3, zapcore.InfoLevel)
	logger, err := New(false, ring)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		logger.Info(fmt.Sprintf("message-%d", i), zap.Int("i", i))
	}

	entries := ring.Last(10)
	require.Len(t, entries, 3)
	assert.Equal(t, "message-2", entries[0].Message)
	assert.Equal(t, "message-4", entries[2].Message)
	assert.EqualValues(t, 4, entries[2].Fields["i"])
}

func TestRing_LimitAndLevel(t *testing.T) {
	t.Parallel()

	ring := NewRing(10, zapcore.WarnLevel)
	logger, err := New(false, ring)
	require.NoError(t, err)

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Error("kept as well")

	entries := ring.Last(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept as well", entries[0].Message)
	assert.Len(t, ring.Last(0), 2)
}
