package poll

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a poll.
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

const (
	DefaultDurationSeconds = 60
	MaxDurationSeconds     = 3600
	MinOptions             = 2
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("poll not found")
	ErrInactive      = errors.New("poll is not active")
	ErrDuplicateVote = errors.New("participant has already voted")
)

// Option is one answer choice with its materialized tally.
type Option struct {
	Text      string `json:"text"`
	VoteCount int    `json:"voteCount"`
}

// Poll is a single timed multiple-choice question.
type Poll struct {
	PollID          uuid.UUID  `json:"id"`
	Question        string     `json:"question"`
	Options         []Option   `json:"options"`
	DurationSeconds int        `json:"durationSeconds"`
	Status          Status     `json:"status"`
	TotalVotes      int        `json:"totalVotes"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// Vote is one participant's ballot. (PollID, ParticipantName) is unique.
type Vote struct {
	PollID          uuid.UUID `json:"pollId"`
	ParticipantName string    `json:"participantName"`
	OptionIndex     int       `json:"optionIndex"`
	CastAt          time.Time `json:"castAt"`
}

// NewPoll validates input and builds a draft poll.
func NewPoll(question string, options []string, durationSeconds int, now time.Time) (*Poll, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}
	opts := make([]Option, 0, len(options))
	for i, o := range options {
		text := strings.TrimSpace(o)
		if text == "" {
			return nil, fmt.Errorf("%w: option %d is empty", ErrValidation, i)
		}
		opts = append(opts, Option{Text: text})
	}
	if len(opts) < MinOptions {
		return nil, fmt.Errorf("%w: at least %d options are required", ErrValidation, MinOptions)
	}
	if durationSeconds == 0 {
		durationSeconds = DefaultDurationSeconds
	}
	if durationSeconds < 0 || durationSeconds > MaxDurationSeconds {
		return nil, fmt.Errorf("%w: duration must be between 1 and %d seconds", ErrValidation, MaxDurationSeconds)
	}
	return &Poll{
		PollID:          uuid.New(),
		Question:        question,
		Options:         opts,
		DurationSeconds: durationSeconds,
		Status:          StatusDraft,
		CreatedAt:       now.UTC(),
	}, nil
}

// Activate moves a draft poll to active.
func (p *Poll) Activate(now time.Time) error {
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: poll %s is %s, not %s", ErrConflict, p.PollID, p.Status, StatusDraft)
	}
	started := now.UTC()
	p.Status = StatusActive
	p.StartedAt = &started
	return nil
}

// End moves an active poll to ended. It reports false when the poll was not active.
func (p *Poll) End(now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	ended := now.UTC()
	p.Status = StatusEnded
	p.EndedAt = &ended
	return true
}

// Discard closes a draft that was never started. It reports false when the
// poll is not a draft.
func (p *Poll) Discard(now time.Time) bool {
	if p.Status != StatusDraft {
		return false
	}
	ended := now.UTC()
	p.Status = StatusEnded
	p.EndedAt = &ended
	return true
}

// Deadline is the instant at which an active poll stops accepting votes.
func (p *Poll) Deadline() (time.Time, bool) {
	if p.StartedAt == nil {
		return time.Time{}, false
	}
	return p.StartedAt.Add(time.Duration(p.DurationSeconds) * time.Second), true
}

// Expired reports whether an active poll has no time left.
func (p *Poll) Expired(now time.Time) bool {
	return p.Status == StatusActive && ComputeRemaining(p, now) == 0
}

// ComputeRemaining returns whole seconds left for an active poll, 0 otherwise.
func ComputeRemaining(p *Poll, now time.Time) int {
	if p == nil || p.Status != StatusActive || p.StartedAt == nil {
		return 0
	}
	elapsed := int(now.Sub(*p.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := p.DurationSeconds - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ValidOption reports whether idx addresses one of the poll's options.
func (p *Poll) ValidOption(idx int) bool {
	return idx >= 0 && idx < len(p.Options)
}

// Clone returns a deep copy.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = append([]Option(nil), p.Options...)
	if p.StartedAt != nil {
		t := *p.StartedAt
		c.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// TallyConsistent reports whether TotalVotes equals the sum of option counts.
func (p *Poll) TallyConsistent() bool {
	sum := 0
	for _, o := range p.Options {
		sum += o.VoteCount
	}
	return sum == p.TotalVotes
}
