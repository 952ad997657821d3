package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists batch records in a local badger database, one key per
// batch.
type BadgerStore struct {
	db     *badger.DB
	logger cmtlog.Logger
	now    func() time.Time
}

// OpenBadger opens (or creates) a badger database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string, logger cmtlog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.With("module", "badger")})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// NewBadgerStore wraps an open badger database
func NewBadgerStore(db *badger.DB, logger cmtlog.Logger) *BadgerStore {
	return &BadgerStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *BadgerStore) Name() string { return "badger" }

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return &RepositoryError{Code: CodeUnavailable, Message: "Badger database is closed"}
	}
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// Append reads, extends and rewrites the batch record in one transaction. An
// event ID already in the batch is treated as applied.
func (s *BadgerStore) Append(_ context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	if err := validateAppend(batchID, event); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, &RepositoryError{Code: CodeUnavailable, Message: "Badger database is closed"}
	}

	acceptedAt := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := ReadRecord(txn, batchID)
		if errors.Is(err, ErrNotFound) {
			rec = &models.BatchRecord{ID: batchID}
		} else if err != nil {
			return err
		}
		for _, e := range rec.Events {
			if e.ID == event.ID {
				s.logger.Info("Event already stored", "batch", batchID, "event", event.ID)
				return nil
			}
		}
		rec.Append(event, acceptedAt)
		data, err := models.EncodeRecord(rec)
		if err != nil {
			return &RepositoryError{Code: CodeSerialization, Message: "Failed to encode batch", Detail: err.Error()}
		}
		return txn.Set(models.BatchKey(batchID), data)
	})
	if err != nil {
		var repoErr *RepositoryError
		if errors.As(err, &repoErr) {
			return nil, repoErr
		}
		s.logger.Error("Badger append failed", "batch", batchID, "err", err)
		return nil, &RepositoryError{Code: CodeDatabaseError, Message: "Failed to append event", Detail: err.Error()}
	}

	return &models.Receipt{BatchID: batchID, EventID: event.ID, AcceptedAt: acceptedAt}, nil
}

// Get returns the stored batch
func (s *BadgerStore) Get(_ context.Context, batchID string) (*workflow.Batch, error) {
	var out *workflow.Batch
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := ReadRecord(txn, batchID)
		if err != nil {
			return err
		}
		out = rec.ToWorkflow()
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr(err)
	}
	return out, nil
}

// ScanAll iterates the batch key prefix
func (s *BadgerStore) ScanAll(context.Context) ([]workflow.Batch, error) {
	out := make([]workflow.Batch, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		records, err := ScanRecords(txn)
		if err != nil {
			return err
		}
		for _, rec := range records {
			out = append(out, *rec.ToWorkflow())
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr(err)
	}
	return out, nil
}

// ReadRecord loads and decodes one batch record inside txn
func ReadRecord(txn *badger.Txn, batchID string) (*models.BatchRecord, error) {
	item, err := txn.Get(models.BatchKey(batchID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, notFound(batchID)
		}
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	rec, err := models.DecodeRecord(data)
	if err != nil {
		return nil, corrupted(batchID, err)
	}
	return rec, nil
}

// ScanRecords decodes every batch record visible to txn, in key order
func ScanRecords(txn *badger.Txn) ([]*models.BatchRecord, error) {
	prefix := []byte(models.BatchKeyPrefix)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var records []*models.BatchRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			rec, err := models.DecodeRecord(val)
			if err != nil {
				return corrupted(string(item.Key()[len(prefix):]), err)
			}
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

func wrapBadgerErr(err error) error {
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return unavailable("Badger database is closed", err)
	}
	return &RepositoryError{Code: CodeDatabaseError, Message: "Database error", Detail: err.Error()}
}

// badgerLogger routes badger's printf-style logging into the service logger
type badgerLogger struct {
	logger cmtlog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
