package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBypassesRateLimit(t *testing.T) {
	require.False(t, BypassesRateLimit(PriorityNormal))
	require.False(t, BypassesRateLimit(9))
	require.False(t, BypassesRateLimit(PriorityHigh))
	require.False(t, BypassesRateLimit(49))
	require.True(t, BypassesRateLimit(PriorityCritical))
	require.True(t, BypassesRateLimit(PriorityEmergency))
	require.True(t, BypassesRateLimit(PriorityRebrief))
}

func TestIsRebrief(t *testing.T) {
	require.True(t, (&Message{Priority: PriorityRebrief}).IsRebrief())
	require.False(t, (&Message{Priority: PriorityEmergency}).IsRebrief())
}

func TestParseAgentID(t *testing.T) {
	id, err := ParseAgentID("steward-42:lead")
	require.NoError(t, err)
	require.Equal(t, "steward-42", id.Session())
	require.Equal(t, "lead", id.Window())

	_, err = ParseAgentID("no-window")
	require.Error(t, err)
	_, err = ParseAgentID(":lead")
	require.Error(t, err)
	_, err = ParseAgentID("session:")
	require.Error(t, err)
}
