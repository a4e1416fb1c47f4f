package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHookRejectsBadAgentID(t *testing.T) {
	require.NoError(t, hookCmd.Flags().Set("agent", "no-window"))
	require.NoError(t, hookCmd.Flags().Set("error", "true"))
	t.Cleanup(func() {
		_ = hookCmd.Flags().Set("agent", "")
		_ = hookCmd.Flags().Set("error", "false")
	})

	err := hookCmd.RunE(hookCmd, nil)
	require.Error(t, err)
	require.Equal(t, exitUsage, exitCode(err))
}

func TestHookIncidentModesRegistered(t *testing.T) {
	for _, name := range []string{"error", "cause", "credit-exhausted", "credit-restored"} {
		require.NotNil(t, hookCmd.Flags().Lookup(name), name)
	}
}
