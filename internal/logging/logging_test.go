package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New("emosync", Config{Level: "debug", Output: &buf}), "recordstore")

	log.Debug().Str("id", "abc").Msg("stored")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "emosync", line["service"])
	assert.Equal(t, "recordstore", line["component"])
	assert.Equal(t, "abc", line["id"])
	assert.Equal(t, "stored", line["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("emosync", Config{Level: "warn", Output: &buf})

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "emosync.log")
	log := New("emosync", Config{File: path})

	log.Info().Msg("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestStackOnErrorEvents(t *testing.T) {
	var buf bytes.Buffer
	log := New("emosync", Config{Output: &buf})

	log.Error().Stack().Err(errors.New("boom")).Msg("pull failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["error"])
	assert.NotEmpty(t, line["stack"])
}

func TestLiveLevelChangesExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	level := NewLevel("warn")
	log := Component(New("emosync", Config{Level: "debug", Output: &buf, Live: level}), "orchestrator")

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	level.Set("debug")
	log.Debug().Msg("now shown")
	assert.Contains(t, buf.String(), "now shown")
	assert.Equal(t, zerolog.DebugLevel, level.Get())

	buf.Reset()
	level.Set("error")
	log.Warn().Msg("hidden again")
	assert.Zero(t, buf.Len())
}
