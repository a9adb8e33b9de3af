package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alexamedia/internal/alexa"
	"alexamedia/internal/clock"
	"alexamedia/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type hookLog struct {
	mu       sync.Mutex
	health   []bool
	gaveUp   int
	relogins int
	messages []string
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnMessage: func(data []byte) {
			h.mu.Lock()
			h.messages = append(h.messages, string(data))
			h.mu.Unlock()
		},
		OnHealth: func(healthy bool) {
			h.mu.Lock()
			h.health = append(h.health, healthy)
			h.mu.Unlock()
		},
		OnGiveUp: func() {
			h.mu.Lock()
			h.gaveUp++
			h.mu.Unlock()
		},
		OnReloginRequired: func() {
			h.mu.Lock()
			h.relogins++
			h.mu.Unlock()
		},
	}
}

func (h *hookLog) lastHealth() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.health) > 0 && h.health[len(h.health)-1]
}

func newSupervisor(t *testing.T) (*Supervisor, *testutil.FakeSession, *hookLog, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	session := testutil.NewFakeSession("someone@example.com")
	log := &hookLog{}
	s := New(session, log.hooks(), clk, zap.NewNop())
	t.Cleanup(s.Stop)
	return s, session, log, clk
}

func TestDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, Delay(0))
	assert.Equal(t, 10*time.Second, Delay(1))
	assert.Equal(t, 80*time.Second, Delay(4))
}

func TestSupervisor_ConnectsAndForwardsMessages(t *testing.T) {
	s, session, log, _ := newSupervisor(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, log.lastHealth())

	session.PushMessage([]byte("frame"))
	assert.Equal(t, []string{"frame"}, log.messages)
}

func TestSupervisor_GivesUpAfterFiveFailures(t *testing.T) {
	s, session, log, clk := newSupervisor(t)
	session.OpenPushFunc = func(context.Context, alexa.PushHandlers) (alexa.PushConn, error) {
		return nil, errors.New("connection refused")
	}

	require.Error(t, s.Start(context.Background()))
	for i := 1; i < MaxAttempts; i++ {
		assert.Equal(t, i, s.Attempts())
		clk.Advance(Delay(i))
	}

	assert.Equal(t, MaxAttempts, s.Dials())
	assert.Equal(t, MaxAttempts, s.Attempts())
	assert.Equal(t, StateGivenUp, s.State())
	assert.Equal(t, 1, log.gaveUp)
	assert.False(t, log.lastHealth())

	// A further close does not dial again.
	s.handlers(s.gen).OnClose()
	clk.Advance(time.Hour)
	assert.Equal(t, MaxAttempts, s.Dials())
}

func TestSupervisor_RapidCloseIsDeferred(t *testing.T) {
	s, session, log, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	clk.Advance(2 * time.Second)
	session.PushClose()

	assert.Equal(t, 1, s.Dials(), "no attempt inside the delay window")
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, log.lastHealth())

	session.PushClose()
	assert.Equal(t, 1, clk.Pending(), "repeated closes share one scheduled attempt")

	clk.Advance(3 * time.Second)
	assert.Equal(t, 2, s.Dials())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, s.Attempts(), "a fresh connection has not proven itself yet")
	assert.True(t, log.lastHealth())

	clk.Advance(StableAfter)
	assert.Equal(t, 0, s.Attempts())
}

func TestSupervisor_CloseAfterDelayReconnectsImmediately(t *testing.T) {
	s, session, _, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	clk.Advance(time.Minute)
	session.PushClose()

	assert.Equal(t, 2, s.Dials())
	assert.Equal(t, StateConnected, s.State())
}

func TestSupervisor_SuccessResetsAttempts(t *testing.T) {
	s, session, _, clk := newSupervisor(t)
	fail := true
	session.OpenPushFunc = func(ctx context.Context, h alexa.PushHandlers) (alexa.PushConn, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		h.OnOpen()
		return &testutil.FakePushConn{}, nil
	}

	require.Error(t, s.Start(context.Background()))
	clk.Advance(Delay(1))
	assert.Equal(t, 2, s.Attempts())

	fail = false
	clk.Advance(Delay(2))
	assert.Equal(t, StateConnected, s.State())

	clk.Advance(StableAfter)
	assert.Equal(t, 0, s.Attempts())
}

func TestSupervisor_ConsecutiveClosesGiveUp(t *testing.T) {
	s, session, log, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	for i := 1; i <= MaxAttempts; i++ {
		session.PushClose()
		assert.Equal(t, i, s.Attempts())
		if i == MaxAttempts {
			break
		}

		// Another close inside the backoff neither dials nor counts.
		session.PushClose()
		assert.Equal(t, i, s.Dials())
		assert.Equal(t, i, s.Attempts())

		clk.Advance(Delay(i - 1))
		assert.Equal(t, i+1, s.Dials())
	}

	assert.Equal(t, MaxAttempts, s.Attempts())
	assert.Equal(t, StateGivenUp, s.State())
	assert.Equal(t, 1, log.gaveUp)
	assert.False(t, log.lastHealth())

	session.PushClose()
	clk.Advance(time.Hour)
	assert.Equal(t, MaxAttempts, s.Dials())
}

func TestSupervisor_FlappingChannelBacksOff(t *testing.T) {
	s, session, log, clk := newSupervisor(t)

	var mu sync.Mutex
	var current alexa.PushHandlers
	session.OpenPushFunc = func(ctx context.Context, h alexa.PushHandlers) (alexa.PushConn, error) {
		mu.Lock()
		current = h
		mu.Unlock()
		h.OnOpen()
		return &testutil.FakePushConn{}, nil
	}
	drop := func() {
		mu.Lock()
		h := current
		mu.Unlock()
		h.OnError(errors.New("stream reset"))
		h.OnClose()
	}

	require.NoError(t, s.Start(context.Background()))
	for i := 0; i < 20; i++ {
		drop()
		clk.Advance(Delay(0))
	}

	assert.Equal(t, MaxAttempts, s.Dials())
	assert.Equal(t, MaxAttempts, s.Attempts())
	assert.Equal(t, StateGivenUp, s.State())
	assert.Equal(t, 1, log.gaveUp)
}

func TestSupervisor_ErrorThenCloseCountsOnce(t *testing.T) {
	s, session, _, _ := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	session.PushError(errors.New("stream reset"))
	session.PushClose()

	assert.Equal(t, 1, s.Attempts())
	assert.Equal(t, StateClosed, s.State())
}

func TestSupervisor_StableConnectionForgivesFailures(t *testing.T) {
	s, session, _, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	session.PushClose()
	clk.Advance(Delay(0))
	session.PushClose()
	clk.Advance(Delay(1))
	require.Equal(t, 2, s.Attempts())

	clk.Advance(StableAfter)
	session.PushClose()

	assert.Equal(t, 1, s.Attempts())
	assert.Equal(t, 4, s.Dials(), "reconnects at once after a long-lived connection")
}

func TestSupervisor_RestartReplacesConnection(t *testing.T) {
	s, session, log, _ := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	first := session.PushConns()[0]
	var live alexa.PushHandlers
	session.OpenPushFunc = func(ctx context.Context, h alexa.PushHandlers) (alexa.PushConn, error) {
		live = h
		h.OnOpen()
		return &testutil.FakePushConn{}, nil
	}
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, first.Closed())
	session.OpenPushFunc = nil

	// Events of the replaced connection are dropped.
	session.PushMessage([]byte("old frame"))
	session.PushClose()
	assert.Empty(t, log.messages)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 2, s.Dials())

	live.OnMessage([]byte("new frame"))
	assert.Equal(t, []string{"new frame"}, log.messages)
}

func TestSupervisor_LoginFailureRequiresRelogin(t *testing.T) {
	s, session, log, clk := newSupervisor(t)
	session.OpenPushFunc = func(context.Context, alexa.PushHandlers) (alexa.PushConn, error) {
		return nil, alexa.ErrLoginRequired
	}

	err := s.Start(context.Background())
	require.ErrorIs(t, err, alexa.ErrLoginRequired)

	assert.Equal(t, MaxAttempts, s.Attempts())
	assert.Equal(t, StateGivenUp, s.State())
	assert.Equal(t, 1, log.relogins)
	assert.Zero(t, clk.Pending())
}

func TestSupervisor_ExplicitCloseDoesNotReconnect(t *testing.T) {
	s, session, _, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, session.Close())
	clk.Advance(time.Minute)
	session.PushClose()

	assert.Equal(t, 1, s.Dials())
	assert.Equal(t, StateClosed, s.State())
}

func TestSupervisor_InvalidLoginDoesNotReconnect(t *testing.T) {
	s, session, _, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	session.SetLoggedIn(false)
	clk.Advance(time.Minute)
	session.PushClose()

	assert.Equal(t, 1, s.Dials())
}

func TestSupervisor_StopCancelsScheduledAttempt(t *testing.T) {
	s, session, _, clk := newSupervisor(t)
	require.NoError(t, s.Start(context.Background()))

	session.PushClose()
	require.Equal(t, 1, clk.Pending())
	s.Stop()

	clk.Advance(time.Minute)
	assert.Equal(t, 1, s.Dials())
}
