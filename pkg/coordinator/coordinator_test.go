package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/models"
)

func testCoordinationConfig() *config.CoordinationConfig {
	return &config.CoordinationConfig{
		MaxFrequencyPerFlow:  2,
		SyncRequiredTypes:    []string{"state.update"},
		BlockPatterns:        []string{"forbidden.*"},
		OscillationWindow:    5 * time.Second,
		OscillationThreshold: 8,
		DampeningFactor:      0.7,
		SyncTimeout:          200 * time.Millisecond,
	}
}

// stubScorer returns a fixed score and records attention shifts.
type stubScorer struct {
	mu     sync.Mutex
	score  float64
	shifts []string
}

func (s *stubScorer) Score(_ models.Message, _ string) (float64, map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score, map[string]float64{"novelty": 1}
}

func (s *stubScorer) ShiftAttention(newFocus string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts = append(s.shifts, newFocus)
	return 0.1
}

func (s *stubScorer) shifted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shifts...)
}

// newTestCoordinator wires a coordinator with a fixed clock and recorded
// sleeps so delay assertions are exact and the suite stays fast.
func newTestCoordinator(score float64) (*Coordinator, *stubScorer, *[]time.Duration) {
	scorer := &stubScorer{score: score}
	c := New(testCoordinationConfig(), scorer, nil, nil)

	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	c.sleep = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		*sleeps = append(*sleeps, d)
	}
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	return c, scorer, sleeps
}

func coordinate(t *testing.T, c *Coordinator, from, to string, msg models.Message) Result {
	t.Helper()
	res, err := c.Coordinate(context.Background(), from, to, msg)
	require.NoError(t, err)
	return res
}

func TestForwardAnnotatesAndDelivers(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	target := c.Register("system3", 4)

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	assert.True(t, res.Forwarded)
	assert.InDelta(t, 0.5, res.Score, 0.001)

	msg := <-target.Inbox
	assert.Equal(t, "status.report", msg.Type)
	assert.InDelta(t, 0.5, msg.AttentionScore, 0.001)
	assert.Contains(t, msg.AttentionComponents, "novelty")
	assert.Equal(t, int64(1), c.Stats().Forwarded)
}

func TestWeightOverlayScalesScore(t *testing.T) {
	c, _, _ := newTestCoordinator(0.6)
	c.Register("system3", 4)

	weighted := models.NewMessage("system1", "system3", "status.report", nil)
	weighted.Weight = 0.5
	res := coordinate(t, c, "system1", "system3", weighted)
	assert.True(t, res.Forwarded)
	assert.InDelta(t, 0.3, res.Score, 0.001)

	// Weight low enough to push the score under the block threshold.
	filtered := models.NewMessage("system1", "system3", "status.report", nil)
	filtered.Weight = 0.1
	res = coordinate(t, c, "system1", "system3", filtered)
	assert.True(t, res.Blocked)
	assert.Equal(t, "low_attention", res.Reason)

	// Zero weight means unset, not "never".
	unweighted := models.Message{Source: "system1", Target: "system3", Type: "status.report"}
	res = coordinate(t, c, "system1", "system3", unweighted)
	assert.True(t, res.Forwarded)
	assert.InDelta(t, 0.6, res.Score, 0.001)
}

func TestLowAttentionBlocked(t *testing.T) {
	c, _, _ := newTestCoordinator(0.1)
	c.Register("system3", 4)

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "noise.report", nil))
	assert.True(t, res.Blocked)
	assert.False(t, res.Forwarded)
	assert.Equal(t, "low_attention", res.Reason)
	assert.Equal(t, int64(1), c.Stats().Filtered)
}

func TestBlockedPattern(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.Register("system3", 4)

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "forbidden.poke", nil))
	assert.True(t, res.Blocked)
	assert.Equal(t, "blocked_pattern", res.Reason)
}

func TestUnknownTarget(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	res := coordinate(t, c, "system1", "nowhere", models.NewMessage("system1", "nowhere", "status.report", nil))
	assert.True(t, res.Blocked)
	assert.Equal(t, "unknown_target", res.Reason)
}

func TestSimultaneousAccessConflict(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.Register("system3", 8)

	first := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	assert.Empty(t, first.Conflict)

	second := coordinate(t, c, "system2", "system3", models.NewMessage("system2", "system3", "status.report", nil))
	assert.Equal(t, ConflictSimultaneousAccess, second.Conflict)
	assert.Equal(t, 50*time.Millisecond, second.Delayed)
	assert.True(t, second.Forwarded)

	log := c.ConflictLog()
	require.Len(t, log, 1)
	assert.Equal(t, "delayed", log[0].Resolution)
}

func TestHighAttentionConflictDelayIsShorter(t *testing.T) {
	c, _, _ := newTestCoordinator(0.75)
	c.Register("system3", 8)

	coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	second := coordinate(t, c, "system2", "system3", models.NewMessage("system2", "system3", "status.report", nil))
	assert.Equal(t, ConflictSimultaneousAccess, second.Conflict)
	assert.Equal(t, 20*time.Millisecond, second.Delayed)
}

func TestCircularDependencyConflict(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.Register("system1", 8)
	c.Register("system3", 8)

	coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	back := coordinate(t, c, "system3", "system1", models.NewMessage("system3", "system1", "status.reply", nil))
	assert.Equal(t, ConflictCircularDependency, back.Conflict)
	assert.Equal(t, int64(1), c.Stats().Conflicts[ConflictCircularDependency])
}

func TestResourceContentionConflict(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	target := c.Register("system3", 8)
	target.Lock()

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "resource_request", nil))
	assert.Equal(t, ConflictResourceContention, res.Conflict)

	target.Unlock()
	after := coordinate(t, c, "system2", "system3", models.NewMessage("system2", "system3", "resource_request", nil))
	// The lock is gone; only the back-to-back delivery conflict remains.
	assert.Equal(t, ConflictSimultaneousAccess, after.Conflict)
}

func TestRateLimitDelaysExcessTraffic(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.Register("system3", 16)

	// Base 2, score 0.5: effective limit 3 per window.
	var last Result
	for i := 0; i < 4; i++ {
		last = coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	}
	// 50ms conflict delay plus 100*(2-0.5)ms rate shaping.
	assert.Equal(t, 200*time.Millisecond, last.Delayed)
	assert.False(t, last.Bypassed)
	assert.True(t, last.Forwarded)
}

func TestHighAttentionBypassesRateLimit(t *testing.T) {
	c, _, _ := newTestCoordinator(0.85)
	c.Register("system3", 16)

	var last Result
	for i := 0; i < 5; i++ {
		last = coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "incident.alert", nil))
	}
	assert.True(t, last.Bypassed)
	assert.True(t, last.Forwarded)
	// Only the conflict delay applies.
	assert.Equal(t, 20*time.Millisecond, last.Delayed)
	assert.GreaterOrEqual(t, c.Stats().Bypasses, int64(1))
}

func TestSyncRequiredTypeGatesForwarding(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	target := c.Register("system3", 16)

	var mu sync.Mutex
	var received []models.Message
	go func() {
		for msg := range target.Inbox {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
			if msg.Type == SyncRequestType {
				c.Ack(msg.Payload["sync_id"].(string), "system3", "fp-1", time.Now())
			}
		}
	}()

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "state.update", nil))
	assert.True(t, res.Forwarded)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range received {
			if msg.Type == "state.update" {
				return msg.Synchronized
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, SyncRequestType, received[0].Type)
}

func TestOscillationDampening(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	target := c.Register("system3", 64)

	var dampened []models.Message
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 15; i++ {
			msg := <-target.Inbox
			if msg.Dampened {
				dampened = append(dampened, msg)
			}
		}
	}()

	// Alternate the signal so every sample reverses direction.
	for i := 0; i < 15; i++ {
		v := float64(i % 2)
		msg := models.NewMessage("system1", "system3", "load.signal", nil)
		msg.Signal = &v
		coordinate(t, c, "system1", "system3", msg)
	}
	<-done

	require.NotEmpty(t, dampened)
	// dampening_factor = 0.7 + 0.3*score; the original signal was 0 or 1.
	for _, msg := range dampened {
		require.NotNil(t, msg.Signal)
		assert.True(t, *msg.Signal == 0 || *msg.Signal > 0.84 && *msg.Signal < 0.86)
	}
	assert.Greater(t, c.Stats().Oscillations, int64(0))
}

func TestOscillationCrisisShiftsAttention(t *testing.T) {
	emitted := make(chan string, 128)
	scorer := &stubScorer{score: 0.5}
	c := New(testCoordinationConfig(), scorer, nil, func(topic string, _ any) {
		emitted <- topic
	})
	c.sleep = func(time.Duration) {}
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	c.Register("system3", 128)

	for i := 0; i < 30; i++ {
		v := float64(i % 2)
		msg := models.NewMessage("system1", "system3", "load.signal", nil)
		msg.Signal = &v
		coordinate(t, c, "system1", "system3", msg)
	}

	assert.Contains(t, scorer.shifted(), "oscillation_crisis")
	assert.Greater(t, c.Stats().Crises, int64(0))

	// Forwarded messages emit per-context topics too; scan for the crisis.
	sawCrisis := false
drain:
	for {
		select {
		case topic := <-emitted:
			if topic == broker.TopicCoordination {
				sawCrisis = true
			}
		default:
			break drain
		}
	}
	assert.True(t, sawCrisis, "expected an oscillation crisis emission")
}

func TestNonNumericMessagesSkipDamper(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	target := c.Register("system3", 8)

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	assert.True(t, res.Forwarded)
	msg := <-target.Inbox
	assert.False(t, msg.Dampened)
	assert.Nil(t, msg.Signal)
}

func TestNonNumericMessageMarkedOnOscillatingFlow(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	target := c.Register("system3", 64)

	// Alternating signals push the flow into oscillation.
	for i := 0; i < 15; i++ {
		v := float64(i % 2)
		msg := models.NewMessage("system1", "system3", "load.signal", nil)
		msg.Signal = &v
		coordinate(t, c, "system1", "system3", msg)
	}
	require.Greater(t, c.Stats().Oscillations, int64(0))

	res := coordinate(t, c, "system1", "system3", models.NewMessage("system1", "system3", "status.report", nil))
	assert.True(t, res.Forwarded)

	var status models.Message
	for i := 0; i < 16; i++ {
		msg := <-target.Inbox
		if msg.Type == "status.report" {
			status = msg
			break
		}
	}
	require.Equal(t, "status.report", status.Type)
	assert.True(t, status.Dampened, "non-numeric traffic on an oscillating flow is marked")
	assert.Nil(t, status.Signal, "the signal itself stays untouched")

	// A quiet flow to the same target is not marked.
	other := c.Register("system4", 8)
	coordinate(t, c, "system1", "system4", models.NewMessage("system1", "system4", "status.report", nil))
	msg := <-other.Inbox
	assert.False(t, msg.Dampened)
}

func TestForwardEmitsContextTopic(t *testing.T) {
	type emission struct {
		topic   string
		payload any
	}
	emitted := make(chan emission, 16)
	scorer := &stubScorer{score: 0.5}
	c := New(testCoordinationConfig(), scorer, nil, func(topic string, payload any) {
		emitted <- emission{topic: topic, payload: payload}
	})
	c.sleep = func(time.Duration) {}
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	c.Register("system3", 8)

	sent := models.NewMessage("system1", "system3", "status.report", nil)
	res := coordinate(t, c, "system1", "system3", sent)
	require.True(t, res.Forwarded)

	select {
	case e := <-emitted:
		assert.Equal(t, broker.TopicContext("system3"), e.topic)
		payload, ok := e.payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, sent.ID.String(), payload["message_id"])
		assert.Equal(t, "status.report", payload["type"])
		assert.Equal(t, "system1", payload["source"])
	default:
		t.Fatal("expected a context topic emission")
	}

	// Blocked messages emit nothing.
	blocked := coordinate(t, c, "system1", "nowhere", models.NewMessage("system1", "nowhere", "status.report", nil))
	require.True(t, blocked.Blocked)
	select {
	case e := <-emitted:
		t.Fatalf("unexpected emission: %s", e.topic)
	default:
	}
}

func TestSynchronizeOperationsCompleted(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.now = time.Now

	older := time.Now().Add(-time.Minute)
	newer := time.Now()
	respondToSync(c, c.Register("ctx-a", 16), "fp-old", older)
	alignInbox := respondToSync(c, c.Register("ctx-b", 16), "fp-new", newer)

	report := c.SynchronizeOperations(context.Background(), []string{"ctx-a", "ctx-b"})
	assert.Equal(t, SyncCompleted, report.Status)
	assert.Equal(t, "fp-new", report.AlignedState)
	assert.True(t, report.Results["ctx-a"].Acked)
	assert.True(t, report.Results["ctx-b"].Acked)
	assert.Empty(t, report.Missing)
	assert.Greater(t, report.Effectiveness, 0.5)

	// ctx-b already holds the aligned state, so no align push for it.
	select {
	case msg := <-alignInbox:
		t.Fatalf("unexpected align message: %v", msg.Type)
	default:
	}
}

func TestSynchronizeOperationsAlignsLaggard(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.now = time.Now

	laggardAligns := respondToSync(c, c.Register("ctx-a", 16), "fp-old", time.Now().Add(-time.Minute))
	respondToSync(c, c.Register("ctx-b", 16), "fp-new", time.Now())

	report := c.SynchronizeOperations(context.Background(), []string{"ctx-a", "ctx-b"})
	require.Equal(t, SyncCompleted, report.Status)
	assert.True(t, report.Results["ctx-a"].Aligned)

	select {
	case msg := <-laggardAligns:
		assert.Equal(t, SyncAlignType, msg.Type)
		assert.Equal(t, "fp-new", msg.Payload["aligned_state"])
	case <-time.After(time.Second):
		t.Fatal("laggard never received the aligned state")
	}
}

func TestSynchronizeOperationsPartialAndFailed(t *testing.T) {
	c, _, _ := newTestCoordinator(0.5)
	c.now = time.Now

	respondToSync(c, c.Register("ctx-a", 16), "fp-a", time.Now())
	c.Register("ctx-silent", 16)

	partial := c.SynchronizeOperations(context.Background(), []string{"ctx-a", "ctx-silent"})
	assert.Equal(t, SyncPartial, partial.Status)
	assert.False(t, partial.Results["ctx-silent"].Acked)
	assert.Equal(t, []string{"ctx-silent"}, partial.Missing)

	failed := c.SynchronizeOperations(context.Background(), []string{"ctx-silent"})
	assert.Equal(t, SyncFailed, failed.Status)
	assert.Equal(t, []string{"ctx-silent"}, failed.Missing)
	assert.Less(t, failed.Effectiveness, partial.Effectiveness)
}

// respondToSync consumes a context's inbox, acking sync requests with the
// given fingerprint and forwarding any other message to the returned
// channel.
func respondToSync(c *Coordinator, ctx *Context, fingerprint string, lastUpdate time.Time) <-chan models.Message {
	other := make(chan models.Message, 16)
	go func() {
		for msg := range ctx.Inbox {
			if msg.Type == SyncRequestType {
				c.Ack(msg.Payload["sync_id"].(string), ctx.ID, fingerprint, lastUpdate)
				continue
			}
			other <- msg
		}
	}()
	return other
}
