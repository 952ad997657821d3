package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore keeps batches and their events in two relational tables.
// Appends lock the batch row so the event sequence has no gaps.
type PostgresStore struct {
	db     *gorm.DB
	logger cmtlog.Logger
	now    func() time.Time
}

// ConnectPostgres opens the database, retrying while the server starts up
func ConnectPostgres(dsn string, attempts int, logger cmtlog.Logger) (*gorm.DB, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := range attempts {
		logger.Info("Connecting to Postgres", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			logger.Info("Connected to Postgres")
			return db, nil
		}
		lastErr = err
		logger.Error("Postgres connection failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("connect to postgres after %d attempts: %w", attempts, lastErr)
}

// NewPostgresStore wraps an open gorm handle
func NewPostgresStore(db *gorm.DB, logger cmtlog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the batch tables
func (s *PostgresStore) Migrate() error {
	if err := s.db.AutoMigrate(&models.Batch{}, &models.Event{}); err != nil {
		return fmt.Errorf("migrate batch tables: %w", err)
	}
	s.logger.Info("Database migration completed successfully")
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("Postgres handle unavailable", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("Postgres did not answer", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append inserts the event as the next sequence of the batch. An event id
// already present is treated as applied, so retried writes are harmless.
func (s *PostgresStore) Append(ctx context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	if err := validateAppend(batchID, event); err != nil {
		return nil, err
	}

	acceptedAt := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Event{}).Where("event_id = ?", event.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			s.logger.Info("Event already stored", "batch", batchID, "event", event.ID)
			return nil
		}

		var batch models.Batch
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
			Where("batch_id = ?", batchID).
			First(&batch).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			batch = models.Batch{ID: batchID, Status: string(workflow.StatusCollected)}
			if err := tx.Create(&batch).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		current, err := batch.ToWorkflow()
		if err != nil {
			return corrupted(batchID, err)
		}
		row, err := models.NewEventRow(batchID, len(batch.Events), event)
		if err != nil {
			return &RepositoryError{Code: CodeSerialization, Message: "Failed to encode event", Detail: err.Error()}
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		events := append(current.Events, event)
		return tx.Model(&models.Batch{}).
			Where("batch_id = ?", batchID).
			Updates(map[string]interface{}{
				"status":       string(workflow.DeriveStatus(events)),
				"event_count":  len(events),
				"last_updated": acceptedAt,
			}).Error
	})
	if err != nil {
		return nil, s.mapError("append event", err)
	}

	return &models.Receipt{BatchID: batchID, EventID: event.ID, AcceptedAt: acceptedAt}, nil
}

// Get loads a batch with its events in sequence order
func (s *PostgresStore) Get(ctx context.Context, batchID string) (*workflow.Batch, error) {
	var batch models.Batch
	err := s.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
		Where("batch_id = ?", batchID).
		First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(batchID)
		}
		return nil, s.mapError("get batch", err)
	}

	out, err := batch.ToWorkflow()
	if err != nil {
		return nil, corrupted(batchID, err)
	}
	return out, nil
}

// ScanAll loads every batch in creation order
func (s *PostgresStore) ScanAll(ctx context.Context) ([]workflow.Batch, error) {
	var rows []models.Batch
	err := s.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("sequence asc") }).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, s.mapError("scan batches", err)
	}

	out := make([]workflow.Batch, 0, len(rows))
	for i := range rows {
		b, err := rows[i].ToWorkflow()
		if err != nil {
			return nil, corrupted(rows[i].ID, err)
		}
		out = append(out, *b)
	}
	return out, nil
}

// mapError turns driver failures into repository errors. Connection,
// resource and shutdown classes mean the server cannot take work.
func (s *PostgresStore) mapError(op string, err error) error {
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unavailable("Postgres "+op+" timed out", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		s.logger.Error("Postgres driver failure", "op", op, "err", err)
		return unavailable("Postgres "+op+" failed", err)
	}

	switch {
	case strings.HasPrefix(pgErr.Code, PgClassConnectionException),
		strings.HasPrefix(pgErr.Code, PgClassInsufficientResources),
		strings.HasPrefix(pgErr.Code, PgClassOperatorIntervention):
		return &RepositoryError{Code: CodeUnavailable, Message: "Postgres cannot accept work", Detail: pgErr.Message}
	case pgErr.Code == PgErrUniqueViolation,
		pgErr.Code == PgErrSerializationFailure,
		pgErr.Code == PgErrDeadlockDetected:
		return &RepositoryError{Code: CodeConflict, Message: "Concurrent write conflict", Detail: pgErr.Message}
	default:
		s.logger.Error("Postgres error", "op", op, "code", pgErr.Code, "err", pgErr.Message)
		return &RepositoryError{Code: CodeDatabaseError, Message: "Database error", Detail: pgErr.Message}
	}
}
