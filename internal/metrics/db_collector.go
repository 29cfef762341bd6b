package metrics

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector publishes connection pool statistics. The pgx pool
// serves the write path and the database/sql handle serves the audit reader;
// their stats are reported under the "pool" label.
type DBStatsCollector struct {
	pgxPool  *pgxpool.Pool
	readerDB *sql.DB
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewDBStatsCollector creates a new database stats collector
func NewDBStatsCollector(pgxPool *pgxpool.Pool, readerDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool:  pgxPool,
		readerDB: readerDB,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Collect initial stats
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
}

// Stop stops the database stats collector
func (c *DBStatsCollector) Stop() {
	close(c.stopCh)
	c.logger.Info("database stats collector stopped")
}

// collect gathers database statistics and updates Prometheus metrics
func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnectionsOpen.WithLabelValues("pgx").Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues("pgx").Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues("pgx").Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.WithLabelValues("pgx").Set(float64(stat.MaxConns()))
	}

	if c.readerDB != nil {
		stats := c.readerDB.Stats()
		DBConnectionsOpen.WithLabelValues("reader").Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues("reader").Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues("reader").Set(float64(stats.Idle))
		DBConnectionsMaxOpen.WithLabelValues("reader").Set(float64(stats.MaxOpenConnections))
	}
}

// RecordQueryDuration records the duration of a database query
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery is a helper function to time database queries
// Usage: defer metrics.TimeQuery("select_user")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}
