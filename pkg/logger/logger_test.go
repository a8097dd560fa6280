package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogger_FormatRFC3339Millis(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("x", 3600))
	require.Equal(t, "2025-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestLogger_DropsEmptyStringAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)
	log.Info("hello", "empty", "", "kept", "value")

	out := buf.String()
	require.Contains(t, out, "kept=value")
	require.NotContains(t, out, "empty=")
}

func TestLogger_VerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, false).Debug("hidden")
	require.Empty(t, buf.String())

	NewWithWriter(&buf, true).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}
