package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livepoll/livepoll/internal/domain/poll"
)

type voteKey struct {
	pollID uuid.UUID
	name   string
}

// PollStore implements poll.Store in process memory. It is the store used by
// tests and by single-node deployments that accept losing history on restart.
type PollStore struct {
	mu    sync.RWMutex
	polls map[uuid.UUID]*poll.Poll
	votes map[voteKey]*poll.Vote
}

func NewPollStore() *PollStore {
	return &PollStore{
		polls: make(map[uuid.UUID]*poll.Poll),
		votes: make(map[voteKey]*poll.Vote),
	}
}

func (s *PollStore) InsertPoll(ctx context.Context, p *poll.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[p.PollID]; ok {
		return fmt.Errorf("poll %s already exists", p.PollID)
	}
	if p.Status == poll.StatusActive && s.activeLocked() != nil {
		return fmt.Errorf("%w: another poll is active", poll.ErrConflict)
	}
	s.polls[p.PollID] = p.Clone()
	return nil
}

func (s *PollStore) UpdatePoll(ctx context.Context, p *poll.Poll, expected poll.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.polls[p.PollID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	if p.Status == poll.StatusActive && expected != poll.StatusActive {
		if other := s.activeLocked(); other != nil && other.PollID != p.PollID {
			return false, nil
		}
	}
	cur.Status = p.Status
	cur.StartedAt = cloneTime(p.StartedAt)
	cur.EndedAt = cloneTime(p.EndedAt)
	return true, nil
}

func (s *PollStore) FindPoll(ctx context.Context, pollID uuid.UUID) (*poll.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polls[pollID].Clone(), nil
}

func (s *PollStore) FindActivePoll(ctx context.Context) (*poll.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked().Clone(), nil
}

func (s *PollStore) InsertVoteIfAbsent(ctx context.Context, vote *poll.Vote, deadline time.Time) (poll.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[vote.PollID]
	if !ok || p.Status != poll.StatusActive || !vote.CastAt.Before(deadline) {
		return poll.VotePollInactive, nil
	}
	if !p.ValidOption(vote.OptionIndex) {
		return 0, fmt.Errorf("%w: option index %d out of range", poll.ErrValidation, vote.OptionIndex)
	}
	key := voteKey{pollID: vote.PollID, name: vote.ParticipantName}
	if _, exists := s.votes[key]; exists {
		return poll.VoteAlreadyExists, nil
	}
	v := *vote
	s.votes[key] = &v
	p.Options[vote.OptionIndex].VoteCount++
	p.TotalVotes++
	return poll.VoteInserted, nil
}

func (s *PollStore) FindVote(ctx context.Context, pollID uuid.UUID, participantName string) (*poll.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[voteKey{pollID: pollID, name: participantName}]
	if !ok {
		return nil, nil
	}
	out := *v
	return &out, nil
}

// ListEndedPolls returns ended polls, most recently created first.
func (s *PollStore) ListEndedPolls(ctx context.Context, limit int) ([]*poll.Poll, error) {
	s.mu.RLock()
	out := make([]*poll.Poll, 0)
	for _, p := range s.polls {
		if p.Status == poll.StatusEnded {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *PollStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *PollStore) activeLocked() *poll.Poll {
	for _, p := range s.polls {
		if p.Status == poll.StatusActive {
			return p
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
