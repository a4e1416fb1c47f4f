package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/internal/compliance"
	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/store"
)

const agent = domain.AgentID("s:1")

func newTestBus(t *testing.T, opts Options, rules RulesText) (*Bus, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	evbus, err := events.NewBus("")
	require.NoError(t, err)
	t.Cleanup(evbus.Close)

	return New(s, evbus, opts, rules, nil), s
}

func TestBootstrapRegistersAndPulls(t *testing.T) {
	b, s := newTestBus(t, DefaultOptions(), nil)

	// Unknown agents cannot pull directly.
	_, err := b.Pull(agent)
	require.ErrorIs(t, err, ErrAgentUnknown)

	msg, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)
	require.Nil(t, msg)

	// A waiting message is returned on bootstrap.
	_, err = b.Send(agent, "", []byte("welcome"), domain.PriorityHigh, 0, domain.ScopeAgent)
	require.NoError(t, err)
	msg, err = b.Bootstrap(agent, "proj")
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "welcome", string(msg.Payload))

	a, err := s.Agents.Get(agent)
	require.NoError(t, err)
	require.Equal(t, domain.AgentActive, a.Status)
}

func TestCheckIdleFlagsReady(t *testing.T) {
	b, s := newTestBus(t, DefaultOptions(), nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	msg, err := b.CheckIdle(agent)
	require.NoError(t, err)
	require.Nil(t, msg)

	a, err := s.Agents.Get(agent)
	require.NoError(t, err)
	require.Equal(t, domain.AgentReady, a.Status)

	// With traffic waiting the agent stays active.
	_, err = b.Send(agent, "", []byte("task"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	_, err = b.Bootstrap(agent, "proj") // reactivate
	require.NoError(t, err)
}

func TestRateLimitThrottlesLowPriority(t *testing.T) {
	b, _ := newTestBus(t, Options{RatePerMin: 2}, nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	now := time.Now()
	b.now = func() time.Time { return now }

	for i := range 4 {
		_, err := b.Send(agent, "", []byte{byte('a' + i)}, 0, 0, domain.ScopeAgent)
		require.NoError(t, err)
	}

	// Budget of 2: two deliveries pass, the third trips the limiter.
	for range 2 {
		msg, err := b.Pull(agent)
		require.NoError(t, err)
		require.NotNil(t, msg)
	}
	_, err = b.Pull(agent)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// A critical message enqueued later is not blocked.
	_, err = b.Send(agent, "", []byte("urgent"), domain.PriorityCritical, 0, domain.ScopeAgent)
	require.NoError(t, err)
	msg, err := b.Pull(agent)
	require.NoError(t, err)
	require.Equal(t, "urgent", string(msg.Payload))

	// Time drains the bucket and the low-priority flow resumes.
	now = now.Add(time.Minute)
	msg, err = b.Pull(agent)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Less(t, msg.Priority, domain.PriorityCritical)
}

func TestEmptyPullDoesNotChargeBudget(t *testing.T) {
	b, _ := newTestBus(t, Options{RatePerMin: 1}, nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	now := time.Now()
	b.now = func() time.Time { return now }

	// Many empty pulls must not exhaust the budget.
	for range 5 {
		msg, err := b.Pull(agent)
		require.NoError(t, err)
		require.Nil(t, msg)
	}

	_, err = b.Send(agent, "", []byte("m"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	msg, err := b.Pull(agent)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestEmergencyBypassDisablesBucket(t *testing.T) {
	b, _ := newTestBus(t, Options{RatePerMin: 1, EmergencyBypass: true}, nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	for range 5 {
		_, err := b.Send(agent, "", []byte("m"), 0, 0, domain.ScopeAgent)
		require.NoError(t, err)
	}
	for range 5 {
		msg, err := b.Pull(agent)
		require.NoError(t, err)
		require.NotNil(t, msg)
	}
}

func TestSessionEndClean(t *testing.T) {
	b, s := newTestBus(t, DefaultOptions(), nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	m, err := b.Send(agent, "", []byte("m"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	_, err = b.Pull(agent)
	require.NoError(t, err)

	require.NoError(t, b.SessionEnd(agent, true))

	stored, err := s.Messages.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageDelivered, stored.Status)
	_, err = s.Agents.Get(agent)
	require.ErrorIs(t, err, ErrAgentUnknown)
}

func TestSessionEndUnclean(t *testing.T) {
	b, s := newTestBus(t, DefaultOptions(), nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	m, err := b.Send(agent, "", []byte("m"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	_, err = b.Pull(agent)
	require.NoError(t, err)

	require.NoError(t, b.SessionEnd(agent, false))

	stored, err := s.Messages.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessagePending, stored.Status)
	a, err := s.Agents.Get(agent)
	require.NoError(t, err)
	require.Equal(t, domain.AgentOffline, a.Status)
}

func TestRebrief(t *testing.T) {
	rules := func() string { return "rule one\nrule two" }
	b, s := newTestBus(t, DefaultOptions(), rules)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	require.NoError(t, s.Agents.AppendActivity(agent, "built the parser"))

	msg, err := b.Rebrief(agent)
	require.NoError(t, err)
	require.Equal(t, domain.PriorityRebrief, msg.Priority)
	require.True(t, msg.IsRebrief())
	require.Contains(t, string(msg.Payload), "rule one")
	require.Contains(t, string(msg.Payload), "built the parser")

	// The briefing content equals the snapshot and the agent's context blob.
	snap, err := s.Agents.GetSnapshot(agent)
	require.NoError(t, err)
	require.Equal(t, string(msg.Payload), snap.BriefingContent)
	a, err := s.Agents.Get(agent)
	require.NoError(t, err)
	require.Equal(t, msg.Payload, a.ContextBlob)

	// The rebriefing outranks everything else waiting.
	_, err = b.Send(agent, "", []byte("urgent"), domain.PriorityEmergency, 0, domain.ScopeAgent)
	require.NoError(t, err)
	got, err := b.Pull(agent)
	require.NoError(t, err)
	require.True(t, got.IsRebrief())
}

func TestMaintainReleasesDependencies(t *testing.T) {
	b, s := newTestBus(t, Options{DependencyTimeout: time.Minute}, nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)
	_, err = b.Bootstrap("s:2", "proj")
	require.NoError(t, err)

	dep, err := b.Send("s:2", "", []byte("dep"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	gated, err := b.Send(agent, "", []byte("gated"), 0, dep.ID, domain.ScopeAgent)
	require.NoError(t, err)

	// Age the prerequisite past the dependency timeout.
	_, err = s.DB().Exec(`UPDATE messages SET enqueued_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).Unix(), dep.ID)
	require.NoError(t, err)

	require.NoError(t, b.Maintain())

	msg, err := b.Pull(agent)
	require.NoError(t, err)
	require.Equal(t, gated.ID, msg.ID)
}

func TestMaintainExpiresOldMessages(t *testing.T) {
	b, s := newTestBus(t, Options{MessageTTL: time.Hour}, nil)
	_, err := b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	msg, err := b.Send(agent, "", []byte("stale"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)

	// Age the pending message past the TTL.
	_, err = s.DB().Exec(`UPDATE messages SET enqueued_at = ? WHERE id = ?`,
		time.Now().Add(-2*time.Hour).Unix(), msg.ID)
	require.NoError(t, err)

	require.NoError(t, b.Maintain())

	got, err := b.Pull(agent)
	require.NoError(t, err)
	require.Nil(t, got)

	var status string
	require.NoError(t, s.DB().QueryRow(
		`SELECT status FROM messages WHERE id = ?`, msg.ID).Scan(&status))
	require.Equal(t, string(domain.MessageExpired), status)
}

func TestSendScreensTrafficForViolations(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	evbus, err := events.NewBus("")
	require.NoError(t, err)
	t.Cleanup(evbus.Close)

	doc := "# Communication\n- [critical] Never share credentials. pattern:" +
		"`(?i)api[_-]?key\\s*[:=]`\n"
	rulesPath := filepath.Join(t.TempDir(), "rules.md")
	require.NoError(t, os.WriteFile(rulesPath, []byte(doc), 0o600))
	engine := compliance.NewEngine(evbus, nil, 0)
	require.NoError(t, engine.LoadRulesFile(rulesPath))

	b := New(s, evbus, DefaultOptions(), engine.DocText, engine)
	_, err = b.Bootstrap(agent, "proj")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := evbus.Subscribe(ctx)

	_, err = b.Send(agent, "", []byte("staging api_key=hunter2"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)

	select {
	case got := <-sub:
		require.Equal(t, events.ChannelViolation, got.Payload.Channel)
		require.Equal(t, string(agent), got.Payload.Payload["recipient"])
	case <-time.After(time.Second):
		t.Fatal("violation event never arrived")
	}

	// Compliant traffic passes silently.
	_, err = b.Send(agent, "", []byte("tests pass, moving on"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	select {
	case got := <-sub:
		t.Fatalf("unexpected event %v", got.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}
