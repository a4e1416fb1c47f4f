package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/internal/domain"
)

// hookReply is the structured record handed back to the agent harness. An
// empty reply (no output) means "no message; set ready".
type hookReply struct {
	ID             int64  `json:"id"`
	Payload        string `json:"payload"`
	Priority       int    `json:"priority"`
	SequenceNumber int64  `json:"sequence_number"`
	IsRebrief      bool   `json:"is_rebrief"`
}

// hookCmd is the agent-side entry point. Agent harnesses call it from their
// lifecycle hooks: once with --bootstrap when a session starts, as the plain
// pull on every turn, with --check-idle when the agent has nothing queued
// locally, and with --session-end when the harness shuts down. --error,
// --credit-exhausted, and --credit-restored report agent-layer incidents
// into the restart and credit-pause policies.
var hookCmd = &cobra.Command{
	Use:   "hook --agent <session:window>",
	Short: "Agent pull hook: deliver the next message for an agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawAgent, _ := cmd.Flags().GetString("agent")
		agent, err := domain.ParseAgentID(rawAgent)
		if err != nil {
			return usagef("bad agent id %q: %v", rawAgent, err)
		}

		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		rebrief, _ := cmd.Flags().GetBool("rebrief")
		checkIdle, _ := cmd.Flags().GetBool("check-idle")
		sessionEnd, _ := cmd.Flags().GetBool("session-end")
		clean, _ := cmd.Flags().GetBool("clean")
		agentErr, _ := cmd.Flags().GetBool("error")
		cause, _ := cmd.Flags().GetString("cause")
		creditOut, _ := cmd.Flags().GetBool("credit-exhausted")
		creditBack, _ := cmd.Flags().GetBool("credit-restored")
		projectName, _ := cmd.Flags().GetString("project")

		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()
		if err := deps.withBus(); err != nil {
			return err
		}

		if agentErr || creditOut || creditBack {
			life, err := deps.lifecycleManager()
			if err != nil {
				return err
			}
			switch {
			case agentErr:
				restarted, err := life.HandleAgentError(agent, cause)
				if err != nil {
					return err
				}
				if restarted {
					fmt.Fprintln(cmd.OutOrStdout(), "restarted")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "escalated")
				}
				return nil
			case creditOut:
				return life.CreditExhausted(agent.Session())
			default:
				return life.CreditRestored(agent.Session())
			}
		}

		var msg *domain.Message
		switch {
		case bootstrap:
			msg, err = deps.bus.Bootstrap(agent, projectName)
		case rebrief:
			msg, err = deps.bus.Rebrief(agent)
		case checkIdle:
			msg, err = deps.bus.CheckIdle(agent)
		case sessionEnd:
			return deps.bus.SessionEnd(agent, clean)
		default:
			msg, err = deps.bus.Pull(agent)
		}
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(hookReply{
			ID:             msg.ID,
			Payload:        string(msg.Payload),
			Priority:       msg.Priority,
			SequenceNumber: msg.Sequence,
			IsRebrief:      msg.IsRebrief(),
		})
	},
}

func init() {
	hookCmd.Flags().String("agent", "", "agent address as session:window (required)")
	_ = hookCmd.MarkFlagRequired("agent")
	hookCmd.Flags().Bool("bootstrap", false, "register the agent and deliver its briefing")
	hookCmd.Flags().Bool("rebrief", false, "deliver a context-recovery briefing")
	hookCmd.Flags().Bool("check-idle", false, "report idleness and pull any queued work")
	hookCmd.Flags().Bool("session-end", false, "deregister the agent")
	hookCmd.Flags().Bool("clean", false, "with --session-end: the session ended cleanly")
	hookCmd.Flags().Bool("error", false, "report an agent error; restarts within budget, escalates beyond it")
	hookCmd.Flags().String("cause", "", "with --error: short cause description")
	hookCmd.Flags().Bool("credit-exhausted", false, "pause the session's project while provider credit is out")
	hookCmd.Flags().Bool("credit-restored", false, "resume the session's project after a credit pause")
	hookCmd.Flags().String("project", "", "with --bootstrap: project name for the registration")
	rootCmd.AddCommand(hookCmd)
}
