package poll

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertResult is the outcome of InsertVoteIfAbsent.
type InsertResult int

const (
	VoteInserted InsertResult = iota
	VoteAlreadyExists
	VotePollInactive
)

func (r InsertResult) String() string {
	switch r {
	case VoteInserted:
		return "inserted"
	case VoteAlreadyExists:
		return "already_exists"
	case VotePollInactive:
		return "poll_inactive"
	default:
		return "unknown"
	}
}

// Store defines the durable persistence contract for polls and votes.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	InsertPoll(ctx context.Context, p *Poll) error
	// UpdatePoll writes status, startedAt and endedAt only if the stored status
	// still equals expected. It reports whether the row was written.
	UpdatePoll(ctx context.Context, p *Poll, expected Status) (bool, error)
	FindPoll(ctx context.Context, pollID uuid.UUID) (*Poll, error)
	FindActivePoll(ctx context.Context) (*Poll, error)

	// InsertVoteIfAbsent records the vote and increments the option and total
	// counters as one atomic unit. The vote is refused with VotePollInactive
	// when the poll is not active or vote.CastAt is not before deadline.
	InsertVoteIfAbsent(ctx context.Context, vote *Vote, deadline time.Time) (InsertResult, error)
	FindVote(ctx context.Context, pollID uuid.UUID, participantName string) (*Vote, error)

	ListEndedPolls(ctx context.Context, limit int) ([]*Poll, error)
	Ping(ctx context.Context) error
}
