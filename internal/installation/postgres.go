package installation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record represents a persisted installation identifier.
type Record struct {
	ID             uint      `gorm:"primaryKey"`
	Key            string    `gorm:"column:key;uniqueIndex;size:255"`
	InstallationID string    `gorm:"column:installation_id;size:255"`
	ActivatedAt    time.Time `gorm:"column:activated_at"`
}

// TableName overrides the default table name.
func (Record) TableName() string {
	return "ocrsdk_installations"
}

// PostgresStore keeps identifiers in a relational table through gorm.
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retryPolicy
}

// NewPostgresStore creates a new gorm-backed store.
func NewPostgresStore(db *gorm.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.Named("installation_postgres"),
		retry:  defaultRetryPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (s *PostgresStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Record{})
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, key string) (string, bool, error) {
	var record Record
	err := s.executeWithRetry(ctx, "installation.load", key, func() error {
		return s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.InstallationID, true, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, key, id string) error {
	record := &Record{Key: key, InstallationID: id, ActivatedAt: time.Now().UTC()}
	return s.executeWithRetry(ctx, "installation.save", key, func() error {
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"installation_id", "activated_at"}),
		}).Create(record).Error
	})
}

func (s *PostgresStore) executeWithRetry(ctx context.Context, operation, key string, fn func() error) error {
	err := s.retry.do(ctx, fn, func(attempt int, err error) {
		s.logger.Warn("transient database error",
			zap.String("operation", operation),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	s.logger.Error("database operation failed", zap.String("operation", operation), zap.String("key", key), zap.Error(err))
	return fmt.Errorf("%s %s: %w", operation, key, err)
}
