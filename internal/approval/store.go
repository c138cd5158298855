package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tkingovr/aegis/api"
)

// Store persists approval requests in SQLite. The schema survives restarts;
// nothing about a request lives only in memory.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (and migrates) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening approval store: %w", err)
	}
	if err := db.AutoMigrate(&Request{}); err != nil {
		return nil, fmt.Errorf("migrating approval store: %w", err)
	}
	return &Store{db: db}, nil
}

// Create persists a new request. Submit must not return before this does.
func (s *Store) Create(ctx context.Context, r *Request) error {
	return s.db.WithContext(ctx).Create(r).Error
}

// Get returns a request by id.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	var r Request
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Resolve transitions a PENDING request to a terminal status. The WHERE
// clause on status makes the transition atomic at the database level: a
// concurrent resolver loses by affecting zero rows.
func (s *Store) Resolve(ctx context.Context, id string, status api.ApprovalStatus, resolver string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Request{}).
		Where("id = ? AND status = ?", id, api.ApprovalPending).
		Updates(map[string]any{
			"status":      status,
			"resolver":    resolver,
			"resolved_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err // not found
		}
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return nil
}

// ListPending returns all pending requests, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Request, error) {
	var out []Request
	err := s.db.WithContext(ctx).
		Where("status = ?", api.ApprovalPending).
		Order("submitted_at").
		Find(&out).Error
	return out, err
}

// ListExpirable returns pending requests whose deadline has passed.
func (s *Store) ListExpirable(ctx context.Context, now time.Time) ([]Request, error) {
	var out []Request
	err := s.db.WithContext(ctx).
		Where("status = ? AND timeout_at <= ?", api.ApprovalPending, now).
		Find(&out).Error
	return out, err
}

// Stats counts requests by status.
func (s *Store) Stats(ctx context.Context) (api.ApprovalStats, error) {
	var stats api.ApprovalStats
	rows := []struct {
		Status api.ApprovalStatus
		N      int64
	}{}
	err := s.db.WithContext(ctx).Model(&Request{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, row := range rows {
		switch row.Status {
		case api.ApprovalPending:
			stats.Pending = row.N
		case api.ApprovalApproved:
			stats.Approved = row.N
		case api.ApprovalDenied:
			stats.Denied = row.N
		case api.ApprovalExpired:
			stats.Expired = row.N
		}
		stats.Total += row.N
	}
	return stats, nil
}
