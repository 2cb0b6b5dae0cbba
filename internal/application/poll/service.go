package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainPoll "github.com/livepoll/livepoll/internal/domain/poll"
	"github.com/livepoll/livepoll/internal/domain/session"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
)

const DefaultHistoryLimit = 50

// EndTrigger names what caused a poll to end.
type EndTrigger string

const (
	TriggerManual EndTrigger = "manual"
	TriggerTimer  EndTrigger = "timer"
	TriggerLazy   EndTrigger = "lazy"
)

// EndListener is told about every ACTIVE -> ENDED transition this service performs.
type EndListener func(p *domainPoll.Poll, trigger EndTrigger)

// Service owns the poll lifecycle and the vote ledger. All mutations go through the store.
type Service struct {
	store        domainPoll.Store
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	historyLimit int

	// activateMu serializes create and activate so the single-active check
	// and the activation write are not interleaved in this process.
	activateMu sync.Mutex
	voteLocks  *keyLock

	listenerMu sync.RWMutex
	onEnd      EndListener
}

// NewService creates a poll service.
func NewService(store domainPoll.Store, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		store:        store,
		metrics:      m,
		logger:       logger.With().Str("service", "poll").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		historyLimit: DefaultHistoryLimit,
		voteLocks:    newKeyLock(),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetHistoryLimit caps History results.
func (s *Service) SetHistoryLimit(limit int) {
	if limit > 0 {
		s.historyLimit = limit
	}
}

// SetEndListener registers the callback invoked after a poll ends.
func (s *Service) SetEndListener(fn EndListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onEnd = fn
}

// Create validates a new poll, inserts it and activates it.
func (s *Service) Create(ctx context.Context, question string, options []string, durationSeconds int) (*domainPoll.Poll, error) {
	p, err := domainPoll.NewPoll(question, options, durationSeconds, s.now())
	if err != nil {
		return nil, err
	}

	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	if err := s.ensureNoActive(ctx); err != nil {
		return nil, err
	}
	if err := s.store.InsertPoll(ctx, p); err != nil {
		return nil, err
	}
	if err := s.activateLocked(ctx, p); err != nil {
		s.discardDraft(ctx, p)
		return nil, err
	}

	s.metrics.PollsCreated.Inc()
	s.logger.Info().
		Str("poll_id", p.PollID.String()).
		Int("options", len(p.Options)).
		Int("duration_seconds", p.DurationSeconds).
		Msg("poll started")
	return p.Clone(), nil
}

// Activate moves a draft poll to ACTIVE.
func (s *Service) Activate(ctx context.Context, pollID uuid.UUID) (*domainPoll.Poll, error) {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	p, err := s.store.FindPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", domainPoll.ErrNotFound, pollID)
	}
	if p.Status != domainPoll.StatusDraft {
		return nil, fmt.Errorf("%w: poll %s is %s", domainPoll.ErrConflict, pollID, p.Status)
	}
	if err := s.ensureNoActive(ctx); err != nil {
		return nil, err
	}
	if err := s.activateLocked(ctx, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// activateLocked updates p in place only when the store accepted the transition.
func (s *Service) activateLocked(ctx context.Context, p *domainPoll.Poll) error {
	next := p.Clone()
	if err := next.Activate(s.now()); err != nil {
		return err
	}
	ok, err := s.store.UpdatePoll(ctx, next, domainPoll.StatusDraft)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: poll %s could not be activated", domainPoll.ErrConflict, p.PollID)
	}
	*p = *next
	return nil
}

// discardDraft closes a draft whose activation failed so it does not linger.
func (s *Service) discardDraft(ctx context.Context, p *domainPoll.Poll) {
	draft := p.Clone()
	if !draft.Discard(s.now()) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.UpdatePoll(ctx, draft, domainPoll.StatusDraft); err != nil {
		s.logger.Warn().Err(err).Str("poll_id", p.PollID.String()).Msg("failed to discard unstarted poll")
	}
}

// ensureNoActive lazily ends an overdue active poll and fails if one is still running.
func (s *Service) ensureNoActive(ctx context.Context) error {
	active, err := s.store.FindActivePoll(ctx)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	if active.Expired(s.now()) {
		if _, err := s.expire(ctx, active, TriggerLazy); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: poll %s is still active", domainPoll.ErrConflict, active.PollID)
}

// End ends a poll. Ending a poll that is not active returns it unchanged;
// changed reports whether this call performed the transition.
func (s *Service) End(ctx context.Context, pollID uuid.UUID, trigger EndTrigger) (p *domainPoll.Poll, changed bool, err error) {
	p, err = s.store.FindPoll(ctx, pollID)
	if err != nil {
		return nil, false, err
	}
	if p == nil {
		return nil, false, fmt.Errorf("%w: %s", domainPoll.ErrNotFound, pollID)
	}
	if p.Status != domainPoll.StatusActive {
		return p, false, nil
	}
	return s.endActive(ctx, p, trigger)
}

func (s *Service) expire(ctx context.Context, p *domainPoll.Poll, trigger EndTrigger) (*domainPoll.Poll, error) {
	ended, _, err := s.endActive(ctx, p, trigger)
	return ended, err
}

func (s *Service) endActive(ctx context.Context, p *domainPoll.Poll, trigger EndTrigger) (*domainPoll.Poll, bool, error) {
	next := p.Clone()
	if !next.End(s.now()) {
		return next, false, nil
	}
	ok, err := s.store.UpdatePoll(ctx, next, domainPoll.StatusActive)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// lost the race to another ender; report the stored terminal state
		current, err := s.store.FindPoll(ctx, p.PollID)
		if err != nil {
			return nil, false, err
		}
		if current == nil {
			return nil, false, fmt.Errorf("%w: %s", domainPoll.ErrNotFound, p.PollID)
		}
		return current, false, nil
	}

	// the stored row may carry votes cast after p was read
	if fresh, err := s.store.FindPoll(ctx, next.PollID); err == nil && fresh != nil {
		next = fresh
	}

	s.metrics.PollsEnded.WithLabelValues(string(trigger)).Inc()
	s.logger.Info().
		Str("poll_id", next.PollID.String()).
		Str("trigger", string(trigger)).
		Int("total_votes", next.TotalVotes).
		Msg("poll ended")
	s.notifyEnded(next, trigger)
	return next, true, nil
}

func (s *Service) notifyEnded(p *domainPoll.Poll, trigger EndTrigger) {
	s.listenerMu.RLock()
	fn := s.onEnd
	s.listenerMu.RUnlock()
	if fn != nil {
		fn(p.Clone(), trigger)
	}
}

// CurrentState returns the active poll and its remaining seconds. An overdue
// poll is ended first and returned in its ENDED form with 0 remaining.
// It returns (nil, 0, nil) when no poll is active.
func (s *Service) CurrentState(ctx context.Context) (*domainPoll.Poll, int, error) {
	active, err := s.store.FindActivePoll(ctx)
	if err != nil {
		return nil, 0, err
	}
	if active == nil {
		return nil, 0, nil
	}
	now := s.now()
	if active.Expired(now) {
		ended, err := s.expire(ctx, active, TriggerLazy)
		if err != nil {
			return nil, 0, err
		}
		return ended, 0, nil
	}
	return active, domainPoll.ComputeRemaining(active, now), nil
}

// Get returns a poll by id, applying lazy expiry.
func (s *Service) Get(ctx context.Context, pollID uuid.UUID) (*domainPoll.Poll, error) {
	p, err := s.store.FindPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", domainPoll.ErrNotFound, pollID)
	}
	if p.Expired(s.now()) {
		return s.expire(ctx, p, TriggerLazy)
	}
	return p, nil
}

// SubmitVote records one vote for participantName and returns the updated poll.
func (s *Service) SubmitVote(ctx context.Context, pollID uuid.UUID, participantName string, optionIndex int) (*domainPoll.Poll, error) {
	p, err := s.store.FindPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", domainPoll.ErrNotFound, pollID)
	}
	if p.Expired(s.now()) {
		if _, err := s.expire(ctx, p, TriggerLazy); err != nil {
			return nil, err
		}
		return nil, s.rejectVote(domainPoll.ErrInactive, pollID, "poll has expired")
	}
	if p.Status != domainPoll.StatusActive {
		return nil, s.rejectVote(domainPoll.ErrInactive, pollID, string(p.Status))
	}

	name, err := session.NormalizeName(participantName)
	if err != nil {
		return nil, s.rejectVote(domainPoll.ErrValidation, pollID, "participant name is required")
	}
	if !p.ValidOption(optionIndex) {
		return nil, s.rejectVote(domainPoll.ErrValidation, pollID, fmt.Sprintf("option index %d out of range", optionIndex))
	}

	res, err := s.recordVote(ctx, p, name, optionIndex)
	if err != nil {
		if errors.Is(err, domainPoll.ErrValidation) {
			s.metrics.Votes.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	switch res {
	case domainPoll.VoteAlreadyExists:
		return nil, s.rejectVote(domainPoll.ErrDuplicateVote, pollID, name)
	case domainPoll.VotePollInactive:
		// the store saw the deadline pass or an end commit first
		if current, err := s.store.FindPoll(ctx, pollID); err == nil && current != nil && current.Expired(s.now()) {
			if _, err := s.expire(ctx, current, TriggerLazy); err != nil {
				s.logger.Warn().Err(err).Str("poll_id", pollID.String()).Msg("lazy expiry after refused vote failed")
			}
		}
		return nil, s.rejectVote(domainPoll.ErrInactive, pollID, "poll closed before the vote was recorded")
	}

	updated, err := s.store.FindPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: %s", domainPoll.ErrNotFound, pollID)
	}
	s.metrics.Votes.WithLabelValues("accepted").Inc()
	s.logger.Debug().
		Str("poll_id", pollID.String()).
		Str("participant", name).
		Int("option", optionIndex).
		Msg("vote recorded")
	return updated, nil
}

// recordVote runs check-then-insert under the per-(poll, name) lock.
func (s *Service) recordVote(ctx context.Context, p *domainPoll.Poll, name string, optionIndex int) (domainPoll.InsertResult, error) {
	unlock := s.voteLocks.Lock(p.PollID.String() + "\x00" + name)
	defer unlock()

	existing, err := s.store.FindVote(ctx, p.PollID, name)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return domainPoll.VoteAlreadyExists, nil
	}
	deadline, _ := p.Deadline()
	return s.store.InsertVoteIfAbsent(ctx, &domainPoll.Vote{
		PollID:          p.PollID,
		ParticipantName: name,
		OptionIndex:     optionIndex,
		CastAt:          s.now(),
	}, deadline)
}

func (s *Service) rejectVote(kind error, pollID uuid.UUID, detail string) error {
	outcome := "rejected"
	switch kind {
	case domainPoll.ErrDuplicateVote:
		outcome = "duplicate"
	case domainPoll.ErrInactive:
		outcome = "inactive"
	}
	s.metrics.Votes.WithLabelValues(outcome).Inc()
	return fmt.Errorf("%w: poll %s: %s", kind, pollID, detail)
}

// HasVoted reports whether participantName has a recorded vote. Store
// failures are logged and reported as false.
func (s *Service) HasVoted(ctx context.Context, pollID uuid.UUID, participantName string) bool {
	name, err := session.NormalizeName(participantName)
	if err != nil {
		return false
	}
	v, err := s.store.FindVote(ctx, pollID, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("poll_id", pollID.String()).Str("participant", name).Msg("vote lookup failed")
		return false
	}
	return v != nil
}

// History returns ended polls, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*domainPoll.Poll, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	polls, err := s.store.ListEndedPolls(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domainPoll.Poll, 0, len(polls))
	for _, p := range polls {
		// discarded drafts never ran
		if p.StartedAt != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
