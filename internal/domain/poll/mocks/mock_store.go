package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/livepoll/livepoll/internal/domain/poll"
)

// MockStore is a mock implementation of poll.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertPoll(ctx context.Context, p *poll.Poll) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockStore) UpdatePoll(ctx context.Context, p *poll.Poll, expected poll.Status) (bool, error) {
	args := m.Called(ctx, p, expected)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) FindPoll(ctx context.Context, pollID uuid.UUID) (*poll.Poll, error) {
	args := m.Called(ctx, pollID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*poll.Poll), args.Error(1)
}

func (m *MockStore) FindActivePoll(ctx context.Context) (*poll.Poll, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*poll.Poll), args.Error(1)
}

func (m *MockStore) InsertVoteIfAbsent(ctx context.Context, vote *poll.Vote, deadline time.Time) (poll.InsertResult, error) {
	args := m.Called(ctx, vote, deadline)
	return args.Get(0).(poll.InsertResult), args.Error(1)
}

func (m *MockStore) FindVote(ctx context.Context, pollID uuid.UUID, participantName string) (*poll.Vote, error) {
	args := m.Called(ctx, pollID, participantName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*poll.Vote), args.Error(1)
}

func (m *MockStore) ListEndedPolls(ctx context.Context, limit int) ([]*poll.Poll, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*poll.Poll), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
