package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/params"
	_ "github.com/mattn/go-sqlite3"
)

const (
	TypeSQLite = "sqlite"

	defaultDirPerm      = 0o755
	defaultBatchSize    = 100
	defaultBatchTimeout = 5
)

type sqliteSettings struct {
	Path         string `json:"path" validate:"required"`
	BatchSize    int    `json:"batchSize" validate:"gte=0"`
	BatchTimeout int    `json:"batchTimeout" validate:"gte=0"`
	BackupDir    string `json:"backupDir"`
}

// SQLiteSink stores events in a local database. Events are buffered and
// written in one transaction when the batch fills or the batch timeout
// elapses.
type SQLiteSink struct {
	db     *sql.DB
	cfg    sqliteSettings
	logger logger.Logger

	mu            sync.Mutex
	buffer        []event.DataEvent
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

func NewSQLite() *SQLiteSink {
	return &SQLiteSink{logger: logger.Component("sink").With("type", TypeSQLite)}
}

func (s *SQLiteSink) Configure(_ context.Context, p map[string]any) error {
	errFactory := errors.New()

	s.cfg = sqliteSettings{BatchSize: defaultBatchSize, BatchTimeout: defaultBatchTimeout}
	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}
	if s.cfg.BackupDir == "" {
		s.cfg.BackupDir = filepath.Join(filepath.Dir(s.cfg.Path), "backups")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), defaultDirPerm); err != nil {
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  s.cfg.Path,
			Error: err.Error(),
		})
	}

	dsn := s.cfg.Path + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := validateAndUpdateSchema(db, s.cfg.BackupDir, s.logger); err != nil {
		db.Close()
		return errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	s.logger.Info().
		Str("path", s.cfg.Path).
		Int("schema_version", SchemaVersion).
		Int("batch_size", s.cfg.BatchSize).
		Int("batch_timeout", s.cfg.BatchTimeout).
		Msg("Event store initialized")

	s.db = db
	s.buffer = make([]event.DataEvent, 0, s.cfg.BatchSize)
	s.shutdownChan = make(chan struct{})
	s.flushDoneChan = make(chan struct{})

	if s.cfg.BatchSize > 0 && s.cfg.BatchTimeout > 0 {
		s.flushTicker = time.NewTicker(time.Duration(s.cfg.BatchTimeout) * time.Second)
		go s.flusher()
	} else {
		close(s.flushDoneChan)
	}

	return nil
}

func (s *SQLiteSink) Send(_ context.Context, ev event.DataEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, ev)

	if len(s.buffer) >= s.cfg.BatchSize {
		if err := s.flush(); err != nil {
			return deliveryError(TypeSQLite, err)
		}
	}

	return nil
}

func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}

	var closeErr error
	s.closeOnce.Do(func() {
		close(s.shutdownChan)
		if s.flushTicker != nil {
			s.flushTicker.Stop()
		}
		<-s.flushDoneChan

		s.mu.Lock()
		if err := s.flush(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to flush buffered events")
		}
		s.mu.Unlock()

		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
			s.db.Close()
			return
		}

		if err := s.db.Close(); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "close_database",
				Error: err.Error(),
			})
			return
		}

		s.logger.Info().Msg("Event store closed gracefully")
	})

	return closeErr
}

func (s *SQLiteSink) flusher() {
	defer close(s.flushDoneChan)

	for {
		select {
		case <-s.flushTicker.C:
			s.mu.Lock()
			if err := s.flush(); err != nil {
				s.logger.WarnWithCode(err).Msg("Periodic flush failed")
			}
			s.mu.Unlock()
		case <-s.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. Callers hold s.mu. A failed
// batch is discarded.
func (s *SQLiteSink) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()
	defer func() { s.buffer = s.buffer[:0] }()

	tx, err := s.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, ev := range s.buffer {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			_ = tx.Rollback()
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
		tags, err := json.Marshal(ev.Tags)
		if err != nil {
			_ = tx.Rollback()
			return errFactory.Wrap(ErrTransactionFailed, err)
		}

		values := []any{
			ev.ID,
			ev.Timestamp.UnixMilli(),
			string(ev.SourceType),
			ev.Namespace,
			ev.OriginName,
			string(payload),
			string(tags),
		}

		if _, err := stmt.Exec(values...); err != nil {
			if err := tx.Rollback(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	s.logger.Debug().Int("records", len(s.buffer)).Msg("Flushed events to database")

	return nil
}
