// Package storetest holds the behavioural suite every poll.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/livepoll/internal/domain/poll"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) poll.Store

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("insert and find", func(t *testing.T) { testInsertFind(t, newStore(t)) })
	t.Run("update compare and set", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("single active poll", func(t *testing.T) { testSingleActive(t, newStore(t)) })
	t.Run("vote insert and tallies", func(t *testing.T) { testVoteInsert(t, newStore(t)) })
	t.Run("vote refused after deadline", func(t *testing.T) { testVoteDeadline(t, newStore(t)) })
	t.Run("concurrent votes", func(t *testing.T) { testConcurrentVotes(t, newStore(t)) })
	t.Run("reads during concurrent votes", func(t *testing.T) { testReadsDuringVotes(t, newStore(t)) })
	t.Run("list ended polls", func(t *testing.T) { testListEnded(t, newStore(t)) })
}

// NewActivePoll builds a poll that is already active, started at startedAt.
func NewActivePoll(t *testing.T, startedAt time.Time, duration int, options ...string) *poll.Poll {
	t.Helper()
	if len(options) == 0 {
		options = []string{"A", "B"}
	}
	p, err := poll.NewPoll("Q", options, duration, startedAt)
	require.NoError(t, err)
	require.NoError(t, p.Activate(startedAt))
	return p
}

func activate(t *testing.T, ctx context.Context, s poll.Store, p *poll.Poll) {
	t.Helper()
	require.NoError(t, s.InsertPoll(ctx, p))
}

func testInsertFind(t *testing.T, s poll.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	missing, err := s.FindPoll(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := s.FindActivePoll(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	p, err := poll.NewPoll("Favourite colour?", []string{"Red", "Green", "Blue"}, 45, now)
	require.NoError(t, err)
	require.NoError(t, s.InsertPoll(ctx, p))

	got, err := s.FindPoll(ctx, p.PollID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.PollID, got.PollID)
	assert.Equal(t, "Favourite colour?", got.Question)
	assert.Equal(t, []poll.Option{{Text: "Red"}, {Text: "Green"}, {Text: "Blue"}}, got.Options)
	assert.Equal(t, 45, got.DurationSeconds)
	assert.Equal(t, poll.StatusDraft, got.Status)
	assert.Nil(t, got.StartedAt)

	require.NoError(t, s.Ping(ctx))
}

func testUpdateCAS(t *testing.T, s poll.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	p, err := poll.NewPoll("Q", []string{"A", "B"}, 60, now)
	require.NoError(t, err)
	require.NoError(t, s.InsertPoll(ctx, p))

	require.NoError(t, p.Activate(now))
	ok, err := s.UpdatePoll(ctx, p, poll.StatusDraft)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdatePoll(ctx, p, poll.StatusDraft)
	require.NoError(t, err)
	assert.False(t, ok, "second activation must lose the compare-and-set")

	active, err := s.FindActivePoll(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, p.PollID, active.PollID)
	require.NotNil(t, active.StartedAt)
	assert.WithinDuration(t, now, *active.StartedAt, time.Millisecond)

	require.True(t, p.End(now.Add(time.Second)))
	ok, err = s.UpdatePoll(ctx, p, poll.StatusActive)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UpdatePoll(ctx, p, poll.StatusActive)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.FindPoll(ctx, p.PollID)
	require.NoError(t, err)
	assert.Equal(t, poll.StatusEnded, got.Status)
	require.NotNil(t, got.EndedAt)

	none, err := s.FindActivePoll(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testSingleActive(t *testing.T, s poll.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	first := NewActivePoll(t, now, 60)
	activate(t, ctx, s, first)

	second, err := poll.NewPoll("Q2", []string{"A", "B"}, 60, now)
	require.NoError(t, err)
	require.NoError(t, s.InsertPoll(ctx, second))
	require.NoError(t, second.Activate(now))
	ok, err := s.UpdatePoll(ctx, second, poll.StatusDraft)
	if err == nil {
		assert.False(t, ok, "store must refuse a second active poll")
	}

	active, err := s.FindActivePoll(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.PollID, active.PollID)
}

func testVoteInsert(t *testing.T, s poll.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	p := NewActivePoll(t, now, 60)
	activate(t, ctx, s, p)
	deadline, _ := p.Deadline()

	vote := &poll.Vote{PollID: p.PollID, ParticipantName: "alice", OptionIndex: 0, CastAt: now.Add(time.Second)}
	res, err := s.InsertVoteIfAbsent(ctx, vote, deadline)
	require.NoError(t, err)
	assert.Equal(t, poll.VoteInserted, res)

	again := &poll.Vote{PollID: p.PollID, ParticipantName: "alice", OptionIndex: 1, CastAt: now.Add(2 * time.Second)}
	res, err = s.InsertVoteIfAbsent(ctx, again, deadline)
	require.NoError(t, err)
	assert.Equal(t, poll.VoteAlreadyExists, res)

	got, err := s.FindPoll(ctx, p.PollID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalVotes)
	assert.Equal(t, 1, got.Options[0].VoteCount)
	assert.Equal(t, 0, got.Options[1].VoteCount)

	v, err := s.FindVote(ctx, p.PollID, "alice")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 0, v.OptionIndex)

	none, err := s.FindVote(ctx, p.PollID, "bob")
	require.NoError(t, err)
	assert.Nil(t, none)

	res, err = s.InsertVoteIfAbsent(ctx, &poll.Vote{PollID: uuid.New(), ParticipantName: "x", CastAt: now}, deadline)
	require.NoError(t, err)
	assert.Equal(t, poll.VotePollInactive, res)
}

func testVoteDeadline(t *testing.T, s poll.Store) {
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)
	p := NewActivePoll(t, start, 60)
	activate(t, ctx, s, p)
	deadline, _ := p.Deadline()

	late := &poll.Vote{PollID: p.PollID, ParticipantName: "late", OptionIndex: 0, CastAt: deadline.Add(time.Millisecond)}
	res, err := s.InsertVoteIfAbsent(ctx, late, deadline)
	require.NoError(t, err)
	assert.Equal(t, poll.VotePollInactive, res)

	require.True(t, p.End(deadline))
	ok, err := s.UpdatePoll(ctx, p, poll.StatusActive)
	require.NoError(t, err)
	require.True(t, ok)

	ended := &poll.Vote{PollID: p.PollID, ParticipantName: "ended", OptionIndex: 0, CastAt: start}
	res, err = s.InsertVoteIfAbsent(ctx, ended, deadline)
	require.NoError(t, err)
	assert.Equal(t, poll.VotePollInactive, res)

	got, err := s.FindPoll(ctx, p.PollID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalVotes)
}

func testConcurrentVotes(t *testing.T, s poll.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	p := NewActivePoll(t, now, 60, "A", "B", "C")
	activate(t, ctx, s, p)
	deadline, _ := p.Deadline()

	const voters = 25
	var wg sync.WaitGroup
	results := make([]poll.InsertResult, voters*2)
	errs := make([]error, voters*2)
	for i := 0; i < voters; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i, dup int) {
				defer wg.Done()
				v := &poll.Vote{
					PollID:          p.PollID,
					ParticipantName: fmt.Sprintf("voter-%02d", i),
					OptionIndex:     (i + dup) % 3,
					CastAt:          time.Now().UTC(),
				}
				results[i*2+dup], errs[i*2+dup] = s.InsertVoteIfAbsent(ctx, v, deadline)
			}(i, dup)
		}
	}
	wg.Wait()

	inserted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] == poll.VoteInserted {
			inserted++
		} else {
			assert.Equal(t, poll.VoteAlreadyExists, results[i])
		}
	}
	assert.Equal(t, voters, inserted)

	got, err := s.FindPoll(ctx, p.PollID)
	require.NoError(t, err)
	assert.Equal(t, voters, got.TotalVotes)
	assert.True(t, got.TallyConsistent())
}

func testReadsDuringVotes(t *testing.T, s poll.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	p := NewActivePoll(t, now, 60, "A", "B", "C")
	activate(t, ctx, s, p)
	deadline, _ := p.Deadline()

	const voters = 100
	done := make(chan struct{})
	var readers sync.WaitGroup
	var mu sync.Mutex
	var reads, torn int
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				got, err := s.FindPoll(ctx, p.PollID)
				if err != nil || got == nil {
					continue
				}
				mu.Lock()
				reads++
				if !got.TallyConsistent() {
					torn++
				}
				mu.Unlock()
			}
		}()
	}

	var voting sync.WaitGroup
	for i := 0; i < voters; i++ {
		voting.Add(1)
		go func(i int) {
			defer voting.Done()
			v := &poll.Vote{
				PollID:          p.PollID,
				ParticipantName: fmt.Sprintf("reader-race-%03d", i),
				OptionIndex:     i % 3,
				CastAt:          time.Now().UTC(),
			}
			_, err := s.InsertVoteIfAbsent(ctx, v, deadline)
			assert.NoError(t, err)
		}(i)
	}
	voting.Wait()
	close(done)
	readers.Wait()

	assert.Zero(t, torn, "%d of %d reads saw totalVotes != sum(voteCount)", torn, reads)

	got, err := s.FindPoll(ctx, p.PollID)
	require.NoError(t, err)
	assert.Equal(t, voters, got.TotalVotes)
	assert.True(t, got.TallyConsistent())
}

func testListEnded(t *testing.T, s poll.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		p := NewActivePoll(t, at, 30)
		activate(t, ctx, s, p)
		require.True(t, p.End(at.Add(30*time.Second)))
		ok, err := s.UpdatePoll(ctx, p, poll.StatusActive)
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, p.PollID)
	}
	draft, err := poll.NewPoll("draft", []string{"A", "B"}, 30, base)
	require.NoError(t, err)
	require.NoError(t, s.InsertPoll(ctx, draft))

	all, err := s.ListEndedPolls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].PollID)
	assert.Equal(t, ids[0], all[2].PollID)

	limited, err := s.ListEndedPolls(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
