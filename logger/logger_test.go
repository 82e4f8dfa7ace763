package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "hub", zerolog.DebugLevel)

	l.With(Field{Key: "component", Value: "pipeline"}).
		Warn("queue full", Field{Key: "capacity", Value: 8}, Field{Key: "error", Value: errors.New("boom")})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hub", entry["service"])
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "queue full", entry["message"])
	assert.Equal(t, float64(8), entry["capacity"])
	assert.Equal(t, "boom", entry["error"])
}

func TestZerologLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "hub", zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	t.Run("known levels", func(t *testing.T) {
		assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
		assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
		assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	})

	t.Run("unknown falls back to info", func(t *testing.T) {
		assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
		assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	})
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("nothing")
	assert.NotNil(t, l.With(Field{Key: "k", Value: 1}))
	assert.NoError(t, l.Close())
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDailyFileWriter("hub", dir)
	require.NoError(t, err)

	t.Run("writes to dated file", func(t *testing.T) {
		_, err := w.Write([]byte("line one\n"))
		require.NoError(t, err)

		want := filepath.Join(dir, "hub_"+time.Now().Format(dateLayout)+".log")
		assert.Equal(t, want, w.CurrentLogFile())

		data, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "line one\n", string(data))
	})

	t.Run("rotates when the date changes", func(t *testing.T) {
		w.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		_, err := w.Write([]byte("tomorrow\n"))
		require.NoError(t, err)

		want := filepath.Join(dir, "hub_"+w.now().Format(dateLayout)+".log")
		assert.Equal(t, want, w.CurrentLogFile())
	})

	t.Run("close is idempotent and blocks writes", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		_, err := w.Write([]byte("x"))
		assert.ErrorIs(t, err, errWriterClosed)
		assert.Empty(t, w.CurrentLogFile())
	})
}
