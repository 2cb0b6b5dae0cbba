package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/livepoll/livepoll/internal/domain/poll"
)

// PollStore implements poll.Store on an embedded SQLite database.
type PollStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New opens the database at path. An empty path opens a private in-memory
// database, useful for testing.
func New(path string, logger zerolog.Logger) (*PollStore, error) {
	var dsn string
	if path == "" {
		dsn = fmt.Sprintf("file:livepoll-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps vote transactions
	// strictly serialized instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	s := &PollStore{db: db, logger: logger.With().Str("store", "sqlite").Logger()}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *PollStore) migrate() error {
	for _, model := range []any{&pollRecord{}, &optionRecord{}, &voteRecord{}} {
		s.logger.Debug().Str("model", fmt.Sprintf("%T", model)).Msg("creating table")
		if err := s.db.AutoMigrate(model); err != nil {
			return err
		}
	}
	return s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_polls_single_active ON polls (status) WHERE status = 'ACTIVE'`).Error
}

// Close releases the underlying connection.
func (s *PollStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PollStore) InsertPoll(ctx context.Context, p *poll.Poll) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toPollRecord(p)
		if err := tx.Create(rec).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: another poll is active", poll.ErrConflict)
			}
			return err
		}
		opts := make([]optionRecord, 0, len(p.Options))
		for i, o := range p.Options {
			opts = append(opts, optionRecord{PollID: rec.PollID, Position: i, Text: o.Text, VoteCount: o.VoteCount})
		}
		return tx.Create(&opts).Error
	})
}

func (s *PollStore) UpdatePoll(ctx context.Context, p *poll.Poll, expected poll.Status) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&pollRecord{}).
		Where("poll_id = ? AND status = ?", p.PollID.String(), string(expected)).
		Updates(map[string]any{
			"status":     string(p.Status),
			"started_at": p.StartedAt,
			"ended_at":   p.EndedAt,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *PollStore) FindPoll(ctx context.Context, pollID uuid.UUID) (*poll.Poll, error) {
	return s.loadPoll(ctx, "poll_id = ?", pollID.String())
}

func (s *PollStore) FindActivePoll(ctx context.Context) (*poll.Poll, error) {
	return s.loadPoll(ctx, "status = ?", string(poll.StatusActive))
}

func (s *PollStore) InsertVoteIfAbsent(ctx context.Context, vote *poll.Vote, deadline time.Time) (poll.InsertResult, error) {
	result := poll.VotePollInactive
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec pollRecord
		err := tx.Where("poll_id = ?", vote.PollID.String()).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status != string(poll.StatusActive) || !vote.CastAt.Before(deadline) {
			return nil
		}

		var optionCount int64
		if err := tx.Model(&optionRecord{}).Where("poll_id = ?", rec.PollID).Count(&optionCount).Error; err != nil {
			return err
		}
		if vote.OptionIndex < 0 || int64(vote.OptionIndex) >= optionCount {
			return fmt.Errorf("%w: option index %d out of range", poll.ErrValidation, vote.OptionIndex)
		}

		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&voteRecord{
			PollID:          rec.PollID,
			ParticipantName: vote.ParticipantName,
			OptionIndex:     vote.OptionIndex,
			CastAt:          vote.CastAt.UTC(),
		})
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			result = poll.VoteAlreadyExists
			return nil
		}

		if err := tx.Model(&optionRecord{}).
			Where("poll_id = ? AND position = ?", rec.PollID, vote.OptionIndex).
			Update("vote_count", gorm.Expr("vote_count + 1")).Error; err != nil {
			return err
		}
		result = poll.VoteInserted
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (s *PollStore) FindVote(ctx context.Context, pollID uuid.UUID, participantName string) (*poll.Vote, error) {
	var rec voteRecord
	err := s.db.WithContext(ctx).
		Where("poll_id = ? AND participant_name = ?", pollID.String(), participantName).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &poll.Vote{
		PollID:          pollID,
		ParticipantName: rec.ParticipantName,
		OptionIndex:     rec.OptionIndex,
		CastAt:          rec.CastAt,
	}, nil
}

func (s *PollStore) ListEndedPolls(ctx context.Context, limit int) ([]*poll.Poll, error) {
	var out []*poll.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []pollRecord
		q := tx.Where("status = ?", string(poll.StatusEnded)).Order("created_at DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&recs).Error; err != nil {
			return err
		}
		out = make([]*poll.Poll, 0, len(recs))
		for i := range recs {
			p, err := s.withOptions(tx, &recs[i])
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PollStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// loadPoll reads the poll row and its options in one transaction so a
// concurrent vote is seen either entirely or not at all.
func (s *PollStore) loadPoll(ctx context.Context, query string, args ...any) (*poll.Poll, error) {
	var out *poll.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec pollRecord
		err := tx.Where(query, args...).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = s.withOptions(tx, &rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PollStore) withOptions(db *gorm.DB, rec *pollRecord) (*poll.Poll, error) {
	var opts []optionRecord
	if err := db.Where("poll_id = ?", rec.PollID).Order("position ASC").Find(&opts).Error; err != nil {
		return nil, err
	}
	return rec.toDomain(opts)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
