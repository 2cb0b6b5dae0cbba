package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appPoll "github.com/livepoll/livepoll/internal/application/poll"
	appSession "github.com/livepoll/livepoll/internal/application/session"
	"github.com/livepoll/livepoll/internal/domain/notification"
	"github.com/livepoll/livepoll/internal/domain/poll"
	"github.com/livepoll/livepoll/internal/domain/session"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
)

const timerEndTimeout = 10 * time.Second

// CreatePollRequest is the create-and-start intent.
type CreatePollRequest struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	DurationSeconds int      `json:"durationSeconds"`
}

// Coordinator turns client intents into state changes and fans the
// resulting events out to connections. Every failure is reported to the
// originating connection only.
type Coordinator struct {
	polls     *appPoll.Service
	registry  *appSession.Registry
	transport Transport
	scheduler *Scheduler
	// createMu orders poll creation with arming that poll's timer.
	createMu  sync.Mutex
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a coordinator and subscribes it to poll end transitions.
func New(
	polls *appPoll.Service,
	registry *appSession.Registry,
	transport Transport,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Coordinator {
	if m == nil {
		m = metrics.New(nil)
	}
	c := &Coordinator{
		polls:     polls,
		registry:  registry,
		transport: transport,
		metrics:   m,
		logger:    logger.With().Str("service", "coordinator").Logger(),
		now:       time.Now,
	}
	c.scheduler = NewScheduler(c.onTimer)
	polls.SetEndListener(c.onPollEnded)
	return c
}

// SetClock replaces the time source used to compute timer delays.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Scheduler exposes the expiry scheduler.
func (c *Coordinator) Scheduler() *Scheduler {
	return c.scheduler
}

// Recover re-arms the expiry timer for a poll that was active before a
// restart, or ends it if it is already overdue.
func (c *Coordinator) Recover(ctx context.Context) error {
	p, _, err := c.polls.CurrentState(ctx)
	if err != nil {
		return err
	}
	if p == nil || p.Status != poll.StatusActive {
		return nil
	}
	c.schedule(p)
	c.logger.Info().Str("poll_id", p.PollID.String()).Msg("recovered active poll")
	return nil
}

// Close stops the expiry timer.
func (c *Coordinator) Close() {
	c.scheduler.Stop()
}

// RegisterPresenter marks connID as a presenter and sends it the current state.
func (c *Coordinator) RegisterPresenter(ctx context.Context, connID string) (*PollState, error) {
	return runIntent(c, "register-presenter", connID, func() (*PollState, error) {
		prev, err := c.registry.RegisterPresenter(connID)
		if err != nil {
			return nil, err
		}
		if prev.Role == session.RoleParticipant {
			c.notifyPresenters(EventParticipantLeft, ParticipantEvent{
				Name:              prev.Name,
				TotalParticipants: c.registry.ParticipantCount(),
			})
		}
		state, err := c.snapshot(ctx, "")
		if err != nil {
			return nil, err
		}
		c.send(connID, EventPollState, state)
		return state, nil
	})
}

// RegisterParticipant names connID, tells presenters and sends the sender its state.
func (c *Coordinator) RegisterParticipant(ctx context.Context, connID, name string) (*PollState, error) {
	return runIntent(c, "register-participant", connID, func() (*PollState, error) {
		normalized, prev, err := c.registry.RegisterParticipant(connID, name)
		if err != nil {
			return nil, fmt.Errorf("%w: participant name is required", poll.ErrValidation)
		}
		if prev.Role != session.RoleParticipant || prev.Name != normalized {
			c.notifyPresenters(EventParticipantJoined, ParticipantEvent{
				Name:              normalized,
				TotalParticipants: c.registry.ParticipantCount(),
			})
		}
		state, err := c.snapshot(ctx, normalized)
		if err != nil {
			return nil, err
		}
		c.send(connID, EventPollState, state)
		return state, nil
	})
}

// CreatePoll creates and starts a poll, arms its timer and announces it to everyone.
func (c *Coordinator) CreatePoll(ctx context.Context, connID string, req CreatePollRequest) (*PollStarted, error) {
	return runIntent(c, "create-poll", connID, func() (*PollStarted, error) {
		if err := c.requirePresenter(connID); err != nil {
			return nil, err
		}
		c.createMu.Lock()
		p, err := c.polls.Create(ctx, req.Question, req.Options, req.DurationSeconds)
		if err != nil {
			c.createMu.Unlock()
			return nil, err
		}
		c.armTimer(ctx, p)
		c.createMu.Unlock()
		ev := &PollStarted{Poll: p, RemainingSeconds: p.DurationSeconds}
		c.transport.Broadcast(EventPollStarted, ev)
		return ev, nil
	})
}

// SubmitVote records a vote. The sender gets vote-confirmed, everyone gets poll-updated.
// A connection registered as a participant always votes under its registered
// name; an unregistered connection must supply one.
func (c *Coordinator) SubmitVote(ctx context.Context, connID string, pollID uuid.UUID, name string, optionIndex int) (*PollEvent, error) {
	return runIntent(c, "submit-vote", connID, func() (*PollEvent, error) {
		if registered, ok := c.registry.ParticipantName(connID); ok {
			if normalized, _ := session.NormalizeName(name); name != "" && normalized != registered {
				return nil, fmt.Errorf("%w: connection is registered as %q", poll.ErrValidation, registered)
			}
			name = registered
		}
		p, err := c.polls.SubmitVote(ctx, pollID, name, optionIndex)
		if err != nil {
			return nil, err
		}
		ev := &PollEvent{Poll: p}
		c.send(connID, EventVoteConfirmed, ev)
		c.transport.Broadcast(EventPollUpdated, ev)
		return ev, nil
	})
}

// EndPoll ends a poll on presenter request. When the poll had already ended
// only the sender is told; ending a poll that never started changes nothing.
func (c *Coordinator) EndPoll(ctx context.Context, connID string, pollID uuid.UUID) (*PollEvent, error) {
	return runIntent(c, "end-poll", connID, func() (*PollEvent, error) {
		if err := c.requirePresenter(connID); err != nil {
			return nil, err
		}
		p, changed, err := c.polls.End(ctx, pollID, appPoll.TriggerManual)
		if err != nil {
			return nil, err
		}
		ev := &PollEvent{Poll: p}
		if !changed && p.Status == poll.StatusEnded {
			c.send(connID, EventPollEnded, ev)
		}
		return ev, nil
	})
}

// Resync sends the sender the authoritative state. An empty name falls back
// to the name registered for connID.
func (c *Coordinator) Resync(ctx context.Context, connID, name string) (*PollState, error) {
	return runIntent(c, "resync", connID, func() (*PollState, error) {
		if name == "" {
			name, _ = c.registry.ParticipantName(connID)
		}
		state, err := c.snapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		c.send(connID, EventPollState, state)
		return state, nil
	})
}

// History sends a presenter the ended polls, newest first.
func (c *Coordinator) History(ctx context.Context, connID string, limit int) (*PollHistory, error) {
	return runIntent(c, "history", connID, func() (*PollHistory, error) {
		if err := c.requirePresenter(connID); err != nil {
			return nil, err
		}
		polls, err := c.polls.History(ctx, limit)
		if err != nil {
			return nil, err
		}
		ev := &PollHistory{Polls: polls}
		c.send(connID, EventPollHistory, ev)
		return ev, nil
	})
}

// Disconnect drops connID from the registry and tells presenters when a participant left.
func (c *Coordinator) Disconnect(connID string) {
	removed, ok := c.registry.Unregister(connID)
	if !ok {
		return
	}
	if removed.Role == session.RoleParticipant {
		c.notifyPresenters(EventParticipantLeft, ParticipantEvent{
			Name:              removed.Name,
			TotalParticipants: c.registry.ParticipantCount(),
		})
	}
	c.logger.Debug().Str("connection_id", connID).Str("role", string(removed.Role)).Msg("connection closed")
}

func (c *Coordinator) snapshot(ctx context.Context, name string) (*PollState, error) {
	p, remaining, err := c.polls.CurrentState(ctx)
	if err != nil {
		return nil, err
	}
	state := &PollState{Poll: p, RemainingSeconds: remaining}
	if p != nil && name != "" {
		state.HasVoted = c.polls.HasVoted(ctx, p.PollID, name)
	}
	return state, nil
}

func (c *Coordinator) requirePresenter(connID string) error {
	if !c.registry.IsPresenter(connID) {
		return ErrForbidden
	}
	return nil
}

func (c *Coordinator) schedule(p *poll.Poll) {
	deadline, ok := p.Deadline()
	if !ok {
		return
	}
	c.scheduler.Schedule(p.PollID, deadline.Sub(c.now()))
}

// armTimer schedules expiry for a freshly created poll. A poll that ended
// before its timer was armed already had its cancellation run, so the timer
// is withdrawn again.
func (c *Coordinator) armTimer(ctx context.Context, p *poll.Poll) {
	c.schedule(p)
	cur, err := c.polls.Get(ctx, p.PollID)
	if err != nil || cur.Status != poll.StatusActive {
		c.scheduler.Cancel(p.PollID)
	}
}

func (c *Coordinator) onTimer(pollID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), timerEndTimeout)
	defer cancel()
	if _, _, err := c.polls.End(ctx, pollID, appPoll.TriggerTimer); err != nil {
		c.logger.Error().Err(err).Str("poll_id", pollID.String()).Msg("expiry timer failed to end poll")
	}
}

// onPollEnded runs for every transition to ENDED whatever triggered it.
func (c *Coordinator) onPollEnded(p *poll.Poll, trigger appPoll.EndTrigger) {
	c.scheduler.Cancel(p.PollID)
	c.transport.Broadcast(EventPollEnded, &PollEvent{Poll: p})
	c.logger.Debug().Str("poll_id", p.PollID.String()).Str("trigger", string(trigger)).Msg("broadcast poll end")
}

func (c *Coordinator) notifyPresenters(event string, payload any) {
	for _, id := range c.registry.Presenters() {
		c.send(id, event, payload)
	}
}

// send delivers to one connection. A connection without an open stream still
// receives its result through the intent response.
func (c *Coordinator) send(connID, event string, payload any) {
	if err := c.transport.Send(connID, event, payload); err != nil {
		lvl := zerolog.WarnLevel
		if errors.Is(err, notification.ErrClientNotFound) {
			lvl = zerolog.DebugLevel
		}
		c.logger.WithLevel(lvl).Err(err).Str("connection_id", connID).Str("event", event).Msg("send failed")
	}
}

func (c *Coordinator) reportError(intent, connID string, err error) {
	ev := errorEvent(err)
	c.metrics.IntentErrors.WithLabelValues(intent, ev.Code).Inc()
	l := c.logger.Info()
	if ev.Code == CodeInternal {
		l = c.logger.Error()
	}
	l.Err(err).Str("intent", intent).Str("connection_id", connID).Str("code", ev.Code).Msg("intent rejected")
	c.send(connID, EventError, ev)
}

// runIntent executes fn, converting errors and panics into an error event
// for connID. The returned error is the one reported.
func runIntent[T any](c *Coordinator, intent, connID string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = fmt.Errorf("%w: panic in %s: %v", ErrInternal, intent, r)
		}
		if err != nil {
			c.reportError(intent, connID, err)
		}
	}()
	return fn()
}
