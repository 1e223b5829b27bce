package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRequiresEventID(t *testing.T) {
	_, err := Normalize("sess-1", EventRecord{EventType: "LOOK_AWAY", EventTime: "2026-01-01T00:00:00Z"}, time.Now())
	require.Error(t, err)
}

func TestNormalizeDefaultsUnknownSeverityToLow(t *testing.T) {
	ev, err := Normalize("sess-1", EventRecord{
		EventID:   "e1",
		EventType: "look_away",
		EventTime: "2026-01-01T00:00:00Z",
		Severity:  "not-a-real-severity",
	}, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, "LOW", ev.Severity)
	require.EqualValues(t, "LOOK_AWAY", ev.EventType)
}

func TestNormalizeDetailsDefaultsToEmptyObject(t *testing.T) {
	ev, err := Normalize("sess-1", EventRecord{
		EventID: "e1", EventType: "LOW_LIGHT", EventTime: "2026-01-01T00:00:00Z",
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, "{}", ev.Details)
}

func TestParseTimestampFormats(t *testing.T) {
	cases := []string{
		"2026-01-01T00:00:00Z",
		"2026-01-01T00:00:00.500Z",
		"2026-01-01T00:00:00",
		"1767225600",
		"1767225600000",
	}
	for _, c := range cases {
		_, err := ParseTimestamp(c)
		require.NoError(t, err, "timestamp format %q should parse", c)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("not-a-timestamp")
	require.Error(t, err)
}

func TestIsKnownEventType(t *testing.T) {
	require.True(t, IsKnownEventType("MULTI_PERSON"))
	require.False(t, IsKnownEventType("SOMETHING_ELSE"))
}
