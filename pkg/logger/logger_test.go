package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Log(LevelWarn, map[string]string{"kind": "Pod"}, errors.New("boom"), "permission denied")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "Pod", line["kind"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "permission denied", line["message"])
	assert.Contains(t, line["source"], "logger/logger_test.go")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	SetLevel("info")
	Log(LevelDebug, nil, nil, "hidden")
	assert.Empty(t, buf.String())

	SetLevel("bogus")
	Log(LevelInfo, nil, nil, "shown")
	assert.Contains(t, buf.String(), "shown")
}
