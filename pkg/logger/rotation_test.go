package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewRotationWriter(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "relay.log")

	t.Run("size", func(t *testing.T) {
		w, err := NewRotationWriter(&RotationConfig{Type: RotationBySize, MaxSize: 10}, outputPath)
		require.NoError(t, err)
		lj, ok := w.(*lumberjack.Logger)
		require.True(t, ok)
		assert.Equal(t, 10, lj.MaxSize)
		assert.Equal(t, outputPath, lj.Filename)
	})

	t.Run("unknown type falls back to size", func(t *testing.T) {
		w, err := NewRotationWriter(&RotationConfig{Type: "weekly"}, outputPath)
		require.NoError(t, err)
		_, ok := w.(*lumberjack.Logger)
		assert.True(t, ok)
	})

	t.Run("time with bad durations", func(t *testing.T) {
		w, err := NewRotationWriter(&RotationConfig{
			Type:         RotationByTime,
			RotationTime: "nope",
			MaxAgeTime:   "-1h",
		}, outputPath)
		require.NoError(t, err)
		_, err = w.Write([]byte("line\n"))
		assert.NoError(t, err)
	})
}
