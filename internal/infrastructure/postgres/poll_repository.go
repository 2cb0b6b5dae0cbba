package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/livepoll/internal/domain/poll"
)

const uniqueViolation = "23505"

// PollRepository implements poll.Store.
// Totals are derived from poll_options so they can never diverge from the option counts.
type PollRepository struct {
	pool *pgxpool.Pool
}

func NewPollRepository(pool *pgxpool.Pool) *PollRepository {
	return &PollRepository{pool: pool}
}

func (r *PollRepository) InsertPoll(ctx context.Context, p *poll.Poll) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO polls
		(poll_id, question, duration_seconds, status, created_at, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.PollID, p.Question, p.DurationSeconds, p.Status, p.CreatedAt, p.StartedAt, p.EndedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: another poll is active", poll.ErrConflict)
		}
		return err
	}
	for i, o := range p.Options {
		if _, err := tx.Exec(ctx, `
			INSERT INTO poll_options (poll_id, position, text, vote_count)
			VALUES ($1,$2,$3,$4)
		`, p.PollID, i, o.Text, o.VoteCount); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PollRepository) UpdatePoll(ctx context.Context, p *poll.Poll, expected poll.Status) (bool, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE polls
		SET status=$1, started_at=$2, ended_at=$3
		WHERE poll_id=$4 AND status=$5
	`, p.Status, p.StartedAt, p.EndedAt, p.PollID, expected)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (r *PollRepository) FindPoll(ctx context.Context, pollID uuid.UUID) (*poll.Poll, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT poll_id, question, duration_seconds, status, created_at, started_at, ended_at
		FROM polls WHERE poll_id=$1
	`, pollID)
	return r.loadPoll(ctx, row)
}

func (r *PollRepository) FindActivePoll(ctx context.Context) (*poll.Poll, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT poll_id, question, duration_seconds, status, created_at, started_at, ended_at
		FROM polls WHERE status='ACTIVE'
	`)
	return r.loadPoll(ctx, row)
}

// InsertVoteIfAbsent holds a share lock on the poll row for the duration of the
// transaction, so an end transition cannot commit between the status check and
// the tally increment. Voters for different options do not contend.
func (r *PollRepository) InsertVoteIfAbsent(ctx context.Context, vote *poll.Vote, deadline time.Time) (poll.InsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status poll.Status
	err = tx.QueryRow(ctx, `SELECT status FROM polls WHERE poll_id=$1 FOR SHARE`, vote.PollID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return poll.VotePollInactive, nil
	}
	if err != nil {
		return 0, err
	}
	if status != poll.StatusActive || !vote.CastAt.Before(deadline) {
		return poll.VotePollInactive, nil
	}

	var options int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM poll_options WHERE poll_id=$1`, vote.PollID).Scan(&options); err != nil {
		return 0, err
	}
	if vote.OptionIndex < 0 || vote.OptionIndex >= options {
		return 0, fmt.Errorf("%w: option index %d out of range", poll.ErrValidation, vote.OptionIndex)
	}

	res, err := tx.Exec(ctx, `
		INSERT INTO votes (poll_id, participant_name, option_index, cast_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (poll_id, participant_name) DO NOTHING
	`, vote.PollID, vote.ParticipantName, vote.OptionIndex, vote.CastAt)
	if err != nil {
		return 0, err
	}
	if res.RowsAffected() == 0 {
		return poll.VoteAlreadyExists, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE poll_options SET vote_count = vote_count + 1
		WHERE poll_id=$1 AND position=$2
	`, vote.PollID, vote.OptionIndex); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return poll.VoteInserted, nil
}

func (r *PollRepository) FindVote(ctx context.Context, pollID uuid.UUID, participantName string) (*poll.Vote, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT poll_id, participant_name, option_index, cast_at
		FROM votes WHERE poll_id=$1 AND participant_name=$2
	`, pollID, participantName)
	var v poll.Vote
	if err := row.Scan(&v.PollID, &v.ParticipantName, &v.OptionIndex, &v.CastAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (r *PollRepository) ListEndedPolls(ctx context.Context, limit int) ([]*poll.Poll, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT poll_id, question, duration_seconds, status, created_at, started_at, ended_at
		FROM polls
		WHERE status='ENDED'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	var out []*poll.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := r.loadOptions(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PollRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PollRepository) loadPoll(ctx context.Context, row pgx.Row) (*poll.Poll, error) {
	p, err := scanPoll(row)
	if err != nil || p == nil {
		return p, err
	}
	if err := r.loadOptions(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PollRepository) loadOptions(ctx context.Context, p *poll.Poll) error {
	rows, err := r.pool.Query(ctx, `
		SELECT text, vote_count FROM poll_options
		WHERE poll_id=$1
		ORDER BY position ASC
	`, p.PollID)
	if err != nil {
		return err
	}
	defer rows.Close()

	p.Options = p.Options[:0]
	p.TotalVotes = 0
	for rows.Next() {
		var o poll.Option
		if err := rows.Scan(&o.Text, &o.VoteCount); err != nil {
			return err
		}
		p.Options = append(p.Options, o)
		p.TotalVotes += o.VoteCount
	}
	return rows.Err()
}

func scanPoll(row pgx.Row) (*poll.Poll, error) {
	var p poll.Poll
	var startedAt, endedAt *time.Time
	if err := row.Scan(&p.PollID, &p.Question, &p.DurationSeconds, &p.Status, &p.CreatedAt, &startedAt, &endedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.StartedAt = utc(startedAt)
	p.EndedAt = utc(endedAt)
	return &p, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
