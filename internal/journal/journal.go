package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/stream"
)

// Config contains configuration for the journal.
type Config struct {
	SQLitePath    string        // Path to SQLite database
	Retention     time.Duration // How long closed sessions are kept (default 7 days)
	CleanupPeriod time.Duration
	Logger        *zap.SugaredLogger
}

// Journal records sessions and deliveries and drops them once expired.
type Journal struct {
	cfg      Config
	store    *Store
	logger   *zap.SugaredLogger
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopOnce sync.Once
}

// Open opens the journal database.
func Open(cfg Config) (*Journal, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &Journal{
		cfg:    cfg,
		store:  store,
		logger: logging.OrNop(cfg.Logger).Named("journal"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Store returns the underlying store for direct access.
func (j *Journal) Store() *Store {
	return j.store
}

// Start closes sessions left open by a previous run and starts the cleanup ticker.
func (j *Journal) Start() {
	if n, err := j.store.CloseOpenSessions(context.Background()); err != nil {
		j.logger.Warnw("failed to close dangling sessions", "error", err)
	} else if n > 0 {
		j.logger.Infow("closed dangling sessions", "count", n)
	}
	j.cleanup()

	j.started = true
	go j.cleaner()
}

// Stop stops the cleaner and closes the database.
func (j *Journal) Stop() error {
	var err error
	j.stopOnce.Do(func() {
		close(j.stopCh)
		if j.started {
			<-j.doneCh
		}
		err = j.store.Close()
	})
	return err
}

func (j *Journal) cleaner() {
	defer close(j.doneCh)
	ticker := time.NewTicker(j.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *Journal) cleanup() {
	deleted, err := j.store.DeleteExpired(context.Background(), j.cfg.Retention)
	if err != nil {
		j.logger.Warnw("cleanup error", "error", err)
	} else if deleted > 0 {
		j.logger.Infow("cleaned up expired sessions", "count", deleted)
	}
}

// Recorder returns the delivery recorder writing into the journal.
func (j *Journal) Recorder() stream.Recorder {
	return j.store
}
