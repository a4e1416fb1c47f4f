package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/steward-sh/steward/internal/domain"
)

const testAgent = "s:1"

func registerAgent(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.Agents.Register(domain.AgentID(id), "proj"))
}

func TestPullUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Messages.PullNext("never:seen", 0)
	require.ErrorIs(t, err, ErrAgentUnknown)
}

func TestMessageFIFOWithPriority(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	for _, m := range []struct {
		priority int
		payload  string
	}{
		{0, "m1"}, {10, "m2"}, {0, "m3"}, {10, "m4"},
	} {
		_, err := s.Messages.Enqueue(testAgent, "", []byte(m.payload), m.priority, 0, domain.ScopeAgent)
		require.NoError(t, err)
	}

	var got []string
	for range 4 {
		msg, err := s.Messages.PullNext(testAgent, 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, string(msg.Payload))
	}
	require.Equal(t, []string{"m2", "m4", "m1", "m3"}, got)

	empty, err := s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestImplicitAckOnNextPull(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	m1, err := s.Messages.Enqueue(testAgent, "", []byte("first"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	_, err = s.Messages.Enqueue(testAgent, "", []byte("second"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)

	pulled, err := s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.Equal(t, m1.ID, pulled.ID)

	// First message is still only pulled.
	stored, err := s.Messages.Get(m1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessagePulled, stored.Status)

	// The next pull acks it.
	_, err = s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	stored, err = s.Messages.Get(m1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)

	agent, err := s.Agents.Get(testAgent)
	require.NoError(t, err)
	require.Equal(t, m1.Sequence, agent.LastSequenceDelivered)
}

func TestDependencyGate(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	m1, err := s.Messages.Enqueue(testAgent, "", []byte("m1"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	m2, err := s.Messages.Enqueue(testAgent, "", []byte("m2"), 0, m1.ID, domain.ScopeAgent)
	require.NoError(t, err)

	pulled, err := s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.Equal(t, m1.ID, pulled.ID)

	// m1 is pulled but not delivered, so m2 stays invisible.
	// The pull acks m1, and only the pull after that sees m2.
	pulled, err = s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.Equal(t, m2.ID, pulled.ID)

	d1, err := s.Messages.Get(m1.ID)
	require.NoError(t, err)
	d2, err := s.Messages.Get(m2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageDelivered, d1.Status)
	require.Equal(t, domain.MessagePulled, d2.Status)
}

func TestDependencyOnMissingMessage(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	_, err := s.Messages.Enqueue(testAgent, "", []byte("m"), 0, 9999, domain.ScopeAgent)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDependencyCycleRejected(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	m1, err := s.Messages.Enqueue(testAgent, "", []byte("m1"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	m2, err := s.Messages.Enqueue(testAgent, "", []byte("m2"), 0, m1.ID, domain.ScopeAgent)
	require.NoError(t, err)

	// Corrupt the chain into a loop, then verify enqueue refuses to hang
	// on it.
	_, err = s.db.Exec(`UPDATE messages SET dependency_id = ? WHERE id = ?`, m2.ID, m1.ID)
	require.NoError(t, err)

	_, err = s.Messages.Enqueue(testAgent, "", []byte("m3"), 0, m2.ID, domain.ScopeAgent)
	require.ErrorIs(t, err, ErrDependencyCycle)
}

func TestMinPriorityFilter(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	_, err := s.Messages.Enqueue(testAgent, "", []byte("low"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	crit, err := s.Messages.Enqueue(testAgent, "", []byte("critical"), domain.PriorityCritical, 0, domain.ScopeAgent)
	require.NoError(t, err)

	// Budget exhausted: only critical traffic passes.
	msg, err := s.Messages.PullNext(testAgent, domain.PriorityCritical)
	require.NoError(t, err)
	require.Equal(t, crit.ID, msg.ID)

	msg, err = s.Messages.PullNext(testAgent, domain.PriorityCritical)
	require.NoError(t, err)
	require.Nil(t, msg)

	// The low-priority message is still there for a normal pull.
	msg, err = s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.Equal(t, "low", string(msg.Payload))
}

func TestRequeueStale(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	m, err := s.Messages.Enqueue(testAgent, "", []byte("m"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	_, err = s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)

	// Not stale yet.
	n, err := s.Messages.RequeueStale(time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	// Age the pull stamp past the timeout.
	_, err = s.db.Exec(`UPDATE messages SET pulled_at = ? WHERE id = ?`, time.Now().Add(-10*time.Minute).Unix(), m.ID)
	require.NoError(t, err)

	n, err = s.Messages.RequeueStale(time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stored, err := s.Messages.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessagePending, stored.Status)
	require.Nil(t, stored.PulledAt)
}

func TestReleaseExpiredDependencies(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)
	registerAgent(t, s, "s:2")

	// The prerequisite sits pending on another agent that never pulls.
	dep, err := s.Messages.Enqueue("s:2", "", []byte("dep"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	gated, err := s.Messages.Enqueue(testAgent, "", []byte("gated"), 0, dep.ID, domain.ScopeAgent)
	require.NoError(t, err)

	released, err := s.Messages.ReleaseExpiredDependencies(time.Minute)
	require.NoError(t, err)
	require.Empty(t, released)

	_, err = s.db.Exec(`UPDATE messages SET enqueued_at = ? WHERE id = ?`, time.Now().Add(-time.Hour).Unix(), dep.ID)
	require.NoError(t, err)

	released, err = s.Messages.ReleaseExpiredDependencies(time.Minute)
	require.NoError(t, err)
	require.Equal(t, []int64{gated.ID}, released)

	msg, err := s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.Equal(t, gated.ID, msg.ID)
}

func TestRequeuePulledAndAckInFlight(t *testing.T) {
	s := newTestStore(t)
	registerAgent(t, s, testAgent)

	m, err := s.Messages.Enqueue(testAgent, "", []byte("m"), 0, 0, domain.ScopeAgent)
	require.NoError(t, err)
	_, err = s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)

	// Unclean end requeues.
	require.NoError(t, s.Messages.RequeuePulled(testAgent))
	stored, err := s.Messages.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessagePending, stored.Status)

	// Clean end acks.
	_, err = s.Messages.PullNext(testAgent, 0)
	require.NoError(t, err)
	require.NoError(t, s.Messages.AckInFlight(testAgent))
	stored, err = s.Messages.Get(m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MessageDelivered, stored.Status)
}

// TestDeliveryOrderProperty checks, under random enqueue/pull interleavings,
// that per-priority delivery is FIFO on sequence number and that no message
// is ever delivered twice.
func TestDeliveryOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := OpenMemory()
		require.NoError(rt, err)
		defer func() { _ = s.Close() }()
		require.NoError(rt, s.Agents.Register(testAgent, ""))

		delivered := make(map[int64]int)
		lastSeqByPriority := make(map[int]int64)

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := range steps {
			if rapid.Bool().Draw(rt, "enqueue") {
				prio := rapid.SampledFrom([]int{0, 5, 10, 50}).Draw(rt, "prio")
				_, err := s.Messages.Enqueue(testAgent, "", fmt.Appendf(nil, "m%d", i), prio, 0, domain.ScopeAgent)
				require.NoError(rt, err)
				continue
			}

			msg, err := s.Messages.PullNext(testAgent, 0)
			require.NoError(rt, err)
			if msg == nil {
				continue
			}
			delivered[msg.ID]++
			require.Equal(rt, 1, delivered[msg.ID], "message %d delivered twice", msg.ID)
			require.Greater(rt, msg.Sequence, lastSeqByPriority[msg.Priority],
				"priority %d violated FIFO", msg.Priority)
			lastSeqByPriority[msg.Priority] = msg.Sequence
		}
	})
}
