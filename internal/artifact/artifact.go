// Package artifact owns the lifecycle of generated result files: CSV
// creation with a size cap, delivery tracking, and TTL-bounded cleanup.
//
// Ownership is exclusive: conversations hold artifact ids only, never
// paths or handles, so conversation eviction and artifact deletion stay
// independent of each other.
package artifact

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"optibot/internal/gateway"
)

// Lifecycle errors.
var (
	// ErrEmptyResult is returned when asked to materialize zero rows.
	// The engine's empty-result policy should prevent this upstream.
	ErrEmptyResult = errors.New("refusing to create artifact from empty result set")

	// ErrNotFound is returned for unknown or already swept artifact ids.
	ErrNotFound = errors.New("artifact not found")
)

// Artifact is one generated result file.
type Artifact struct {
	ID        string
	Path      string
	Filename  string
	Size      int64
	Rows      int
	Truncated bool
	CreatedAt time.Time
	ExpiresAt time.Time
	Delivered bool
}

// Config configures the manager.
type Config struct {
	Dir           string
	TTL           time.Duration
	MaxBytes      int64
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Manager creates, tracks, and deletes artifacts.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	artifacts map[string]*Artifact
}

// NewManager creates the manager and its backing directory.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		artifacts: make(map[string]*Artifact),
	}, nil
}

// Create materializes a result set as a CSV artifact. Rows beyond the
// byte cap are dropped and the artifact is marked Truncated; delivery
// attaches the notice. Empty result sets are refused.
func (m *Manager) Create(rs *gateway.ResultSet, title string) (*Artifact, error) {
	if rs.Empty() {
		return nil, ErrEmptyResult
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("query_results_%s_%s.csv",
		m.now().Format("20060102_150405"), id[:8])
	path := filepath.Join(m.cfg.Dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}

	counter := &countingWriter{w: f}
	writer := csv.NewWriter(counter)

	rows := 0
	truncated := false
	if err := writer.Write(rs.Columns); err == nil {
		for _, row := range rs.Rows {
			writer.Flush()
			if counter.n >= m.cfg.MaxBytes {
				truncated = true
				break
			}
			if err := writer.Write(row); err != nil {
				break
			}
			rows++
		}
	}
	writer.Flush()
	flushErr := writer.Error()
	closeErr := f.Close()
	if flushErr != nil || closeErr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write artifact: %w", errors.Join(flushErr, closeErr))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	now := m.now()
	art := &Artifact{
		ID:        id,
		Path:      path,
		Filename:  filename,
		Size:      info.Size(),
		Rows:      rows,
		Truncated: truncated,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	m.artifacts[id] = art
	m.mu.Unlock()

	m.logger.Info("artifact created",
		zap.String("id", id),
		zap.String("title", title),
		zap.Int("rows", rows),
		zap.Int64("bytes", art.Size),
		zap.Bool("truncated", truncated))
	return art, nil
}

// Get returns a copy of the artifact record.
func (m *Manager) Get(id string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *art
	return &copy, nil
}

// Open returns a reader over the artifact's bytes and its size.
func (m *Manager) Open(id string) (io.ReadCloser, int64, error) {
	art, err := m.Get(id)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, art.Size, nil
}

// MarkDelivered flags the artifact for cleanup on the next sweep.
func (m *Manager) MarkDelivered(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[id]
	if !ok {
		return ErrNotFound
	}
	art.Delivered = true
	return nil
}

// Sweep runs the cleanup loop until ctx is canceled, deleting artifacts
// past expiry or already delivered. This bounds storage growth under
// partial failures: no artifact outlives TTL plus one sweep interval.
func (m *Manager) Sweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce deletes expired and delivered artifacts, returning how many
// were removed.
func (m *Manager) SweepOnce() int {
	now := m.now()

	m.mu.Lock()
	var victims []*Artifact
	for id, art := range m.artifacts {
		if art.Delivered || now.After(art.ExpiresAt) {
			victims = append(victims, art)
			delete(m.artifacts, id)
		}
	}
	m.mu.Unlock()

	for _, art := range victims {
		if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove artifact file",
				zap.String("id", art.ID), zap.Error(err))
			continue
		}
		m.logger.Debug("artifact removed",
			zap.String("id", art.ID),
			zap.Bool("delivered", art.Delivered))
	}
	return len(victims)
}

// Count returns the number of tracked artifacts.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.artifacts)
}

// Close deletes every tracked artifact. Called at shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	arts := make([]*Artifact, 0, len(m.artifacts))
	for _, art := range m.artifacts {
		arts = append(arts, art)
	}
	m.artifacts = make(map[string]*Artifact)
	m.mu.Unlock()

	var errs []error
	for _, art := range arts {
		if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
