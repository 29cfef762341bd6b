package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OrphanCleanupConfig holds configuration for the orphan cleanup job
type OrphanCleanupConfig struct {
	Interval     time.Duration // Interval between cleanup runs (default: 24 hours)
	AgeThreshold time.Duration // Objects younger than this are left alone (default: 24 hours)
	BatchSize    int           // Number of keys checked per database query (default: 1000)
	Enabled      bool
}

// DefaultOrphanCleanupConfig returns default configuration
func DefaultOrphanCleanupConfig() OrphanCleanupConfig {
	return OrphanCleanupConfig{
		Interval:     24 * time.Hour,
		AgeThreshold: 24 * time.Hour,
		BatchSize:    1000,
		Enabled:      true,
	}
}

// KeyChecker reports which resume keys are still referenced by an account
type KeyChecker interface {
	BatchInUse(ctx context.Context, keys []string) (map[string]bool, error)
}

// ObjectStore is the listing and bulk delete side of the bucket
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	DeleteKeys(ctx context.Context, keys []string) (deleted []string, failures []string, err error)
}

// OrphanCleanupJob removes resumes that no account references. They are
// left behind when a registration fails after the upload and the
// compensating delete also fails.
type OrphanCleanupJob struct {
	store      ObjectStore
	keyChecker KeyChecker
	config     OrphanCleanupConfig
	logger     *slog.Logger
	now        func() time.Time
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult *CleanupResult
}

// CleanupResult holds the result of a cleanup run
type CleanupResult struct {
	StartTime      time.Time
	EndTime        time.Time
	FilesScanned   int
	OrphansFound   int
	OrphansDeleted int
	BytesFreed     int64
	Errors         []string
}

// NewOrphanCleanupJob creates a new orphan cleanup job
func NewOrphanCleanupJob(store ObjectStore, keyChecker KeyChecker, config OrphanCleanupConfig, logger *slog.Logger) *OrphanCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	return &OrphanCleanupJob{
		store:      store,
		keyChecker: keyChecker,
		config:     config,
		logger:     logger,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup job
func (j *OrphanCleanupJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("cleanup job is already running")
	}

	if !j.config.Enabled {
		j.logger.Info("resume orphan cleanup disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(1)

	go j.run()

	j.logger.Info("resume orphan cleanup started",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("age_threshold", j.config.AgeThreshold))
	return nil
}

// Stop stops the periodic cleanup job
func (j *OrphanCleanupJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("resume orphan cleanup stopped")
}

// IsRunning returns whether the cleanup job is running
func (j *OrphanCleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastResult returns the result of the last cleanup run
func (j *OrphanCleanupJob) LastResult() *CleanupResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *OrphanCleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			result := j.RunNow(ctx)
			cancel()
			j.logger.Info("resume orphan cleanup completed",
				slog.Int("scanned", result.FilesScanned),
				slog.Int("found", result.OrphansFound),
				slog.Int("deleted", result.OrphansDeleted),
				slog.Int64("bytes_freed", result.BytesFreed),
				slog.Int("errors", len(result.Errors)),
				slog.Duration("duration", result.EndTime.Sub(result.StartTime)))
		case <-j.stopChan:
			return
		}
	}
}

// RunNow performs a single cleanup run
func (j *OrphanCleanupJob) RunNow(ctx context.Context) *CleanupResult {
	result := &CleanupResult{StartTime: j.now()}

	orphans, scanned, err := j.findOrphans(ctx, result.StartTime)
	result.FilesScanned = scanned
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("error finding orphans: %v", err))
		j.logger.ErrorContext(ctx, "finding orphaned resumes failed", slog.String("error", err.Error()))
	}
	result.OrphansFound = len(orphans)

	if len(orphans) > 0 {
		deleted, bytesFreed, deleteErrors := j.deleteOrphans(ctx, orphans)
		result.OrphansDeleted = deleted
		result.BytesFreed = bytesFreed
		result.Errors = append(result.Errors, deleteErrors...)
	}

	result.EndTime = j.now()

	j.mu.Lock()
	j.lastRun = result.StartTime
	j.lastResult = result
	j.mu.Unlock()

	return result
}

// findOrphans lists resumes older than the age threshold and keeps those no
// account references.
func (j *OrphanCleanupJob) findOrphans(ctx context.Context, now time.Time) ([]Object, int, error) {
	objects, err := j.store.List(ctx, ResumePrefix)
	if err != nil {
		return nil, len(objects), err
	}

	cutoff := now.Add(-j.config.AgeThreshold)
	var candidates []Object
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		candidates = append(candidates, obj)
	}

	var orphans []Object
	for i := 0; i < len(candidates); i += j.config.BatchSize {
		batch := candidates[i:min(i+j.config.BatchSize, len(candidates))]

		keys := make([]string, len(batch))
		for k, obj := range batch {
			keys[k] = obj.Key
		}

		inUse, err := j.keyChecker.BatchInUse(ctx, keys)
		if err != nil {
			return orphans, len(objects), fmt.Errorf("failed to check database: %w", err)
		}
		for _, obj := range batch {
			if !inUse[obj.Key] {
				orphans = append(orphans, obj)
			}
		}
	}

	return orphans, len(objects), nil
}

func (j *OrphanCleanupJob) deleteOrphans(ctx context.Context, orphans []Object) (int, int64, []string) {
	sizes := make(map[string]int64, len(orphans))
	keys := make([]string, len(orphans))
	for i, obj := range orphans {
		keys[i] = obj.Key
		sizes[obj.Key] = obj.Size
	}

	deleted, failures, err := j.store.DeleteKeys(ctx, keys)
	if err != nil {
		failures = append(failures, err.Error())
	}

	var bytesFreed int64
	for _, key := range deleted {
		bytesFreed += sizes[key]
	}
	return len(deleted), bytesFreed, failures
}
