package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"ERROR", LevelError, false},
		{"warn", LevelWarn, false},
		{" Info ", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"TRACE", LevelTrace, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test")
	l.SetOutput(&buf)

	l.Debug("hidden")
	assert.Empty(t, buf.String(), "debug is filtered at the default level")

	l.SetLevel(LevelTrace)
	assert.Equal(t, LevelTrace, l.Level())
	l.Trace("shown %d", 1)
	assert.Contains(t, buf.String(), "shown 1")
}

func TestWithPrefixSharesSettings(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("root")
	parent.SetOutput(&buf)
	child := parent.WithPrefix("volume")

	// Level changes on the parent apply to derived loggers.
	parent.SetLevel(LevelDebug)
	child.Debug("flushing %s", "now")
	assert.Contains(t, buf.String(), "component=volume")
	assert.Contains(t, buf.String(), "flushing now")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("root")
	l.SetOutput(&buf)
	require.NoError(t, l.SetFormat("json"))

	l.WithPrefix("discovery").WithField("device", "/dev/sda").Warn("skipping")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "discovery", rec["component"])
	assert.Equal(t, "/dev/sda", rec["device"])
	assert.Equal(t, "skipping", rec["msg"])
	assert.Equal(t, "warning", rec["level"])

	assert.Error(t, l.SetFormat("xml"))
}
