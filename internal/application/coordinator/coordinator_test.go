package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	appPoll "github.com/livepoll/livepoll/internal/application/poll"
	appSession "github.com/livepoll/livepoll/internal/application/session"
	"github.com/livepoll/livepoll/internal/application/coordinator/mocks"
	"github.com/livepoll/livepoll/internal/domain/notification"
	"github.com/livepoll/livepoll/internal/domain/poll"
	"github.com/livepoll/livepoll/internal/infrastructure/memory"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type delivery struct {
	conn    string
	event   string
	payload any
}

// recorder captures everything sent through a permissive transport mock.
type recorder struct {
	mu         sync.Mutex
	sends      []delivery
	broadcasts []delivery
}

func (r *recorder) sentTo(conn string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.sends {
		if d.conn == conn {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) broadcastsOf(event string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.broadcasts {
		if d.event == event {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) lastTo(t *testing.T, conn string) delivery {
	t.Helper()
	all := r.sentTo(conn)
	require.NotEmpty(t, all, "nothing sent to %s", conn)
	return all[len(all)-1]
}

type fixture struct {
	coord     *Coordinator
	polls     *appPoll.Service
	registry  *appSession.Registry
	transport *mocks.MockTransport
	clock     *testClock
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	m := metrics.New(nil)
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	polls := appPoll.NewService(memory.NewPollStore(), m, zerolog.Nop())
	polls.SetClock(clock.Now)
	registry := appSession.NewRegistry(m, zerolog.Nop())
	transport := mocks.NewMockTransport(ctrl)

	coord := New(polls, registry, transport, m, zerolog.Nop())
	coord.SetClock(clock.Now)
	t.Cleanup(coord.Close)

	return &fixture{coord: coord, polls: polls, registry: registry, transport: transport, clock: clock, metrics: m}
}

func (f *fixture) record() *recorder {
	rec := &recorder{}
	f.transport.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(conn, event string, payload any) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.sends = append(rec.sends, delivery{conn: conn, event: event, payload: payload})
			return nil
		}).AnyTimes()
	f.transport.EXPECT().Broadcast(gomock.Any(), gomock.Any()).
		Do(func(event string, payload any) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.broadcasts = append(rec.broadcasts, delivery{event: event, payload: payload})
		}).AnyTimes()
	return rec
}

func TestRegisterPresenter_SendsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.transport.EXPECT().Send("p1", EventPollState, &PollState{}).Return(nil)

	state, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, state.Poll)
	assert.True(t, f.registry.IsPresenter("p1"))
}

func TestRegisterParticipant_NotifiesPresenters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gomock.InOrder(
		f.transport.EXPECT().Send("p1", EventPollState, gomock.Any()).Return(nil),
		f.transport.EXPECT().Send("p1", EventParticipantJoined, ParticipantEvent{Name: "ann", TotalParticipants: 1}).Return(nil),
		f.transport.EXPECT().Send("s1", EventPollState, &PollState{}).Return(notification.ErrClientNotFound),
		f.transport.EXPECT().Send("p1", EventParticipantLeft, ParticipantEvent{Name: "ann", TotalParticipants: 0}).Return(nil),
	)

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	_, err = f.coord.RegisterParticipant(ctx, "s1", " ann ")
	require.NoError(t, err)
	f.coord.Disconnect("s1")
	f.coord.Disconnect("unknown")
}

func TestRegisterParticipant_EmptyName(t *testing.T) {
	f := newFixture(t)

	f.transport.EXPECT().Send("s1", EventError, gomock.Any()).
		DoAndReturn(func(_ string, _ string, payload any) error {
			ev := payload.(ErrorEvent)
			assert.Equal(t, CodeValidation, ev.Code)
			return nil
		})

	_, err := f.coord.RegisterParticipant(context.Background(), "s1", "  ")
	assert.ErrorIs(t, err, poll.ErrValidation)
}

func TestPresenterOnlyIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterParticipant(ctx, "s1", "ann")
	require.NoError(t, err)

	_, err = f.coord.CreatePoll(ctx, "s1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.coord.EndPoll(ctx, "s1", uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.coord.History(ctx, "s1", 10)
	assert.ErrorIs(t, err, ErrForbidden)

	last := rec.lastTo(t, "s1")
	assert.Equal(t, EventError, last.event)
	assert.Equal(t, ErrorEvent{Message: ErrForbidden.Error(), Code: CodeForbidden}, last.payload)
	assert.Empty(t, rec.broadcasts)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IntentErrors.WithLabelValues("create-poll", CodeForbidden)))
}

// Create, vote from two participants and reject a duplicate.
func TestScenario_CreateAndVote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	for conn, name := range map[string]string{"s1": "ann", "s2": "ben"} {
		_, err := f.coord.RegisterParticipant(ctx, conn, name)
		require.NoError(t, err)
	}

	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{
		Question:        "Tabs or spaces?",
		Options:         []string{"Tabs", "Spaces"},
		DurationSeconds: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, started.RemainingSeconds)
	require.Len(t, rec.broadcastsOf(EventPollStarted), 1)
	pending, ok := f.coord.Scheduler().Pending()
	require.True(t, ok)
	assert.Equal(t, started.Poll.PollID, pending)

	pollID := started.Poll.PollID
	_, err = f.coord.SubmitVote(ctx, "s1", pollID, "", 0)
	require.NoError(t, err)
	ev, err := f.coord.SubmitVote(ctx, "s2", pollID, "ben", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Poll.TotalVotes)

	confirmed := rec.lastTo(t, "s2")
	assert.Equal(t, EventVoteConfirmed, confirmed.event)

	_, err = f.coord.SubmitVote(ctx, "s1", pollID, "", 1)
	assert.ErrorIs(t, err, poll.ErrDuplicateVote)
	dup := rec.lastTo(t, "s1")
	assert.Equal(t, EventError, dup.event)
	assert.Equal(t, CodeDuplicateVote, dup.payload.(ErrorEvent).Code)

	updates := rec.broadcastsOf(EventPollUpdated)
	require.Len(t, updates, 2)
	final := updates[1].payload.(*PollEvent).Poll
	assert.Equal(t, []int{1, 1}, []int{final.Options[0].VoteCount, final.Options[1].VoteCount})

	_, err = f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q2", Options: []string{"A", "B"}})
	assert.ErrorIs(t, err, poll.ErrConflict)
}

func TestSubmitVote_UsesRegisteredName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	_, err = f.coord.RegisterParticipant(ctx, "s1", "alice")
	require.NoError(t, err)
	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}})
	require.NoError(t, err)
	pollID := started.Poll.PollID

	_, err = f.coord.SubmitVote(ctx, "s1", pollID, "bob", 0)
	assert.ErrorIs(t, err, poll.ErrValidation)
	assert.Equal(t, CodeValidation, rec.lastTo(t, "s1").payload.(ErrorEvent).Code)
	assert.False(t, f.polls.HasVoted(ctx, pollID, "bob"))

	_, err = f.coord.SubmitVote(ctx, "s1", pollID, " alice ", 1)
	require.NoError(t, err)
	assert.True(t, f.polls.HasVoted(ctx, pollID, "alice"))

	_, err = f.coord.SubmitVote(ctx, "anon", pollID, "carol", 0)
	require.NoError(t, err)
	assert.True(t, f.polls.HasVoted(ctx, pollID, "carol"))
}

// The expiry timer ends the poll once; a stale second firing changes nothing.
func TestScenario_TimerExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}, DurationSeconds: 10})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	f.coord.onTimer(started.Poll.PollID)
	f.coord.onTimer(started.Poll.PollID)

	ended := rec.broadcastsOf(EventPollEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, poll.StatusEnded, ended[0].payload.(*PollEvent).Poll.Status)
	_, ok := f.coord.Scheduler().Pending()
	assert.False(t, ok)

	_, err = f.coord.RegisterParticipant(ctx, "s1", "ann")
	require.NoError(t, err)
	_, err = f.coord.SubmitVote(ctx, "s1", started.Poll.PollID, "", 0)
	assert.ErrorIs(t, err, poll.ErrInactive)
	assert.Equal(t, CodeInactive, rec.lastTo(t, "s1").payload.(ErrorEvent).Code)
}

// A participant who voted, dropped and reconnected on a new connection sees
// hasVoted and the correct remaining time.
func TestScenario_ReconnectResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	_, err = f.coord.RegisterParticipant(ctx, "s1", "ann")
	require.NoError(t, err)
	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}, DurationSeconds: 30})
	require.NoError(t, err)
	_, err = f.coord.SubmitVote(ctx, "s1", started.Poll.PollID, "", 0)
	require.NoError(t, err)

	f.coord.Disconnect("s1")
	left := rec.lastTo(t, "p1")
	assert.Equal(t, EventParticipantLeft, left.event)
	assert.Equal(t, ParticipantEvent{Name: "ann", TotalParticipants: 0}, left.payload)

	f.clock.Advance(12 * time.Second)
	state, err := f.coord.Resync(ctx, "s1-new", "ann")
	require.NoError(t, err)
	require.NotNil(t, state.Poll)
	assert.True(t, state.HasVoted)
	assert.Equal(t, 18, state.RemainingSeconds)
	assert.Equal(t, 1, state.Poll.TotalVotes)
	assert.Equal(t, EventPollState, rec.lastTo(t, "s1-new").event)

	other, err := f.coord.RegisterParticipant(ctx, "s2", "ben")
	require.NoError(t, err)
	assert.False(t, other.HasVoted)
}

// An overdue poll whose timer never fired is ended by the next read.
func TestScenario_LazyExpiryOnResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}, DurationSeconds: 5})
	require.NoError(t, err)

	f.clock.Advance(6 * time.Second)
	state, err := f.coord.Resync(ctx, "s9", "")
	require.NoError(t, err)
	require.NotNil(t, state.Poll)
	assert.Equal(t, started.Poll.PollID, state.Poll.PollID)
	assert.Equal(t, poll.StatusEnded, state.Poll.Status)
	assert.Zero(t, state.RemainingSeconds)
	assert.Len(t, rec.broadcastsOf(EventPollEnded), 1)
	_, ok := f.coord.Scheduler().Pending()
	assert.False(t, ok)

	state, err = f.coord.Resync(ctx, "s9", "")
	require.NoError(t, err)
	assert.Nil(t, state.Poll)
	assert.Len(t, rec.broadcastsOf(EventPollEnded), 1)
}

func TestEndPoll_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, poll.DefaultDurationSeconds, started.Poll.DurationSeconds)

	first, err := f.coord.EndPoll(ctx, "p1", started.Poll.PollID)
	require.NoError(t, err)
	assert.Len(t, rec.broadcastsOf(EventPollEnded), 1)
	_, ok := f.coord.Scheduler().Pending()
	assert.False(t, ok)

	second, err := f.coord.EndPoll(ctx, "p1", started.Poll.PollID)
	require.NoError(t, err)
	assert.Equal(t, first.Poll.EndedAt, second.Poll.EndedAt)
	assert.Len(t, rec.broadcastsOf(EventPollEnded), 1)
	assert.Equal(t, EventPollEnded, rec.lastTo(t, "p1").event)

	_, err = f.coord.EndPoll(ctx, "p1", uuid.New())
	assert.ErrorIs(t, err, poll.ErrNotFound)

	history, err := f.coord.History(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, history.Polls, 1)
	assert.Equal(t, EventPollHistory, rec.lastTo(t, "p1").event)
}

func TestIntentPanicIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.transport.EXPECT().Send("p1", EventPollState, gomock.Any()).Return(nil)
	f.transport.EXPECT().Broadcast(EventPollStarted, gomock.Any()).Do(func(string, any) {
		panic("transport exploded")
	})
	f.transport.EXPECT().Send("p1", EventError, ErrorEvent{Message: ErrInternal.Error(), Code: CodeInternal}).Return(nil)

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	_, err = f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{poll.ErrValidation, CodeValidation},
		{poll.ErrConflict, CodeConflict},
		{poll.ErrNotFound, CodeNotFound},
		{poll.ErrInactive, CodeInactive},
		{poll.ErrDuplicateVote, CodeDuplicateVote},
		{ErrForbidden, CodeForbidden},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
	}
	assert.Equal(t, ErrorEvent{Message: "internal error", Code: CodeInternal}, errorEvent(errors.New("pq: secret detail")))
}

func TestRecover(t *testing.T) {
	t.Run("rearms active poll", func(t *testing.T) {
		f := newFixture(t)
		f.record()
		p, err := f.polls.Create(context.Background(), "Q", []string{"A", "B"}, 60)
		require.NoError(t, err)

		f.clock.Advance(20 * time.Second)
		require.NoError(t, f.coord.Recover(context.Background()))
		pending, ok := f.coord.Scheduler().Pending()
		require.True(t, ok)
		assert.Equal(t, p.PollID, pending)
	})

	t.Run("ends overdue poll", func(t *testing.T) {
		f := newFixture(t)
		rec := f.record()
		_, err := f.polls.Create(context.Background(), "Q", []string{"A", "B"}, 5)
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		require.NoError(t, f.coord.Recover(context.Background()))
		_, ok := f.coord.Scheduler().Pending()
		assert.False(t, ok)
		assert.Len(t, rec.broadcastsOf(EventPollEnded), 1)
	})
}

func TestCreatePoll_RealTimerEndsPoll(t *testing.T) {
	ctrl := gomock.NewController(t)
	polls := appPoll.NewService(memory.NewPollStore(), nil, zerolog.Nop())
	registry := appSession.NewRegistry(nil, zerolog.Nop())
	transport := mocks.NewMockTransport(ctrl)
	coord := New(polls, registry, transport, nil, zerolog.Nop())
	defer coord.Close()

	ended := make(chan *PollEvent, 1)
	transport.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	transport.EXPECT().Broadcast(EventPollStarted, gomock.Any())
	transport.EXPECT().Broadcast(EventPollEnded, gomock.Any()).Do(func(_ string, payload any) {
		ended <- payload.(*PollEvent)
	})

	ctx := context.Background()
	_, err := coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	started, err := coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}, DurationSeconds: 1})
	require.NoError(t, err)

	select {
	case ev := <-ended:
		assert.Equal(t, started.Poll.PollID, ev.Poll.PollID)
		assert.Equal(t, poll.StatusEnded, ev.Poll.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expiry timer did not end the poll")
	}
}

func TestArmTimer_WithdrawsTimerOfEndedPoll(t *testing.T) {
	f := newFixture(t)
	f.record()
	ctx := context.Background()

	stale, err := f.polls.Create(ctx, "Q1", []string{"A", "B"}, 30)
	require.NoError(t, err)
	_, _, err = f.polls.End(ctx, stale.PollID, appPoll.TriggerManual)
	require.NoError(t, err)

	f.coord.armTimer(ctx, stale)
	_, armed := f.coord.Scheduler().Pending()
	assert.False(t, armed)

	_, err = f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)
	started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q2", Options: []string{"A", "B"}, DurationSeconds: 30})
	require.NoError(t, err)

	f.coord.armTimer(ctx, stale)
	pending, armed := f.coord.Scheduler().Pending()
	require.True(t, armed)
	assert.Equal(t, started.Poll.PollID, pending)
}

func TestCreatePoll_ConcurrentEndKeepsNewestTimer(t *testing.T) {
	f := newFixture(t)
	f.record()
	ctx := context.Background()

	_, err := f.coord.RegisterPresenter(ctx, "p1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		started, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}, DurationSeconds: 30})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var next *PollStarted
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.coord.EndPoll(ctx, "p1", started.Poll.PollID)
		}()
		go func() {
			defer wg.Done()
			for {
				ev, err := f.coord.CreatePoll(ctx, "p1", CreatePollRequest{Question: "Q", Options: []string{"A", "B"}, DurationSeconds: 30})
				if err == nil {
					next = ev
					return
				}
				if !errors.Is(err, poll.ErrConflict) {
					t.Errorf("create: %v", err)
					return
				}
			}
		}()
		wg.Wait()
		require.NotNil(t, next)

		pending, armed := f.coord.Scheduler().Pending()
		require.True(t, armed)
		require.Equal(t, next.Poll.PollID, pending)

		_, err = f.coord.EndPoll(ctx, "p1", next.Poll.PollID)
		require.NoError(t, err)
	}
}
