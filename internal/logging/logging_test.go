package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(&buf, "info", "text")
		require.NoError(t, err)

		logger.Debug("hidden")
		logger.Info("sent", "pattern", "message_print")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "pattern=message_print")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(&buf, "DEBUG", "json")
		require.NoError(t, err)

		logger.Debug("received", "queue", "main_queue")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "main_queue", line["queue"])
		assert.Equal(t, "DEBUG", line["level"])
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, "loud", "text")
		assert.Error(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, "info", "xml")
		assert.Error(t, err)
	})
}

func TestSetup(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger, err := Setup(&buf, "warn", "text")
	require.NoError(t, err)

	assert.Same(t, logger, slog.Default())
	slog.Warn("reconnecting")
	assert.Contains(t, buf.String(), "reconnecting")
}
