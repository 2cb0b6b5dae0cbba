package sqlite

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livepoll/livepoll/internal/domain/poll"
)

type pollRecord struct {
	ID              uint   `gorm:"primarykey"`
	PollID          string `gorm:"uniqueIndex;size:36;not null"`
	Question        string `gorm:"not null"`
	DurationSeconds int    `gorm:"not null"`
	Status          string `gorm:"index;size:16;not null"`
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
}

func (pollRecord) TableName() string {
	return "polls"
}

type optionRecord struct {
	ID        uint   `gorm:"primarykey"`
	PollID    string `gorm:"uniqueIndex:idx_option_poll_position,priority:1;size:36;not null"`
	Position  int    `gorm:"uniqueIndex:idx_option_poll_position,priority:2;not null"`
	Text      string `gorm:"not null"`
	VoteCount int    `gorm:"not null;default:0"`
}

func (optionRecord) TableName() string {
	return "poll_options"
}

type voteRecord struct {
	ID              uint   `gorm:"primarykey"`
	PollID          string `gorm:"uniqueIndex:idx_vote_poll_participant,priority:1;size:36;not null"`
	ParticipantName string `gorm:"uniqueIndex:idx_vote_poll_participant,priority:2;not null"`
	OptionIndex     int    `gorm:"not null"`
	CastAt          time.Time
}

func (voteRecord) TableName() string {
	return "votes"
}

func toPollRecord(p *poll.Poll) *pollRecord {
	return &pollRecord{
		PollID:          p.PollID.String(),
		Question:        p.Question,
		DurationSeconds: p.DurationSeconds,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt.UTC(),
		StartedAt:       p.StartedAt,
		EndedAt:         p.EndedAt,
	}
}

func (r *pollRecord) toDomain(opts []optionRecord) (*poll.Poll, error) {
	id, err := uuid.Parse(r.PollID)
	if err != nil {
		return nil, fmt.Errorf("corrupt poll id %q: %w", r.PollID, err)
	}
	p := &poll.Poll{
		PollID:          id,
		Question:        r.Question,
		DurationSeconds: r.DurationSeconds,
		Status:          poll.Status(r.Status),
		CreatedAt:       r.CreatedAt.UTC(),
		StartedAt:       utc(r.StartedAt),
		EndedAt:         utc(r.EndedAt),
		Options:         make([]poll.Option, 0, len(opts)),
	}
	// TotalVotes is derived from the option rows.
	for _, o := range opts {
		p.Options = append(p.Options, poll.Option{Text: o.Text, VoteCount: o.VoteCount})
		p.TotalVotes += o.VoteCount
	}
	return p, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
