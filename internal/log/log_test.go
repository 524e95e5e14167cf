package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelError, ParseLevel("warn"))
	assert.Equal(t, LevelInfo, ParseLevel("chatty"))
}

func TestLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Debug("hidden")
	Error("source aborted", errors.New("timeout"), "source", "ebrite", "imported", 3)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "error", rec["level"])
	assert.Equal(t, "source aborted", rec["message"])
	assert.Equal(t, "timeout", rec["error"])
	assert.Equal(t, "ebrite", rec["source"])
	assert.Equal(t, 3.0, rec["imported"])
}
