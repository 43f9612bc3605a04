// Package reliability keeps the databases healthy and archives batch run
// summaries to S3-compatible storage.
package reliability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// Disk space thresholds in bytes
const (
	criticalFreeBytes = 500 * 1000 * 1000
	lowFreeBytes      = 5 * 1000 * 1000 * 1000
)

// DailyMaintenanceJob checks database health, truncates WAL files, watches
// disk space and rotates old run archives
type DailyMaintenanceJob struct {
	databases     map[string]*database.DB
	archiver      *RunArchiver
	dataDir       string
	retentionDays int
	diskUsage     func(path string) (*disk.UsageStat, error)
	log           zerolog.Logger
}

// NewDailyMaintenanceJob creates the daily maintenance job. archiver may be
// nil when archiving is disabled.
func NewDailyMaintenanceJob(
	databases map[string]*database.DB,
	dataDir string,
	archiver *RunArchiver,
	retentionDays int,
	log zerolog.Logger,
) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{
		databases:     databases,
		archiver:      archiver,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		diskUsage:     disk.Usage,
		log:           log.With().Str("job", "daily_maintenance").Logger(),
	}
}

// Name returns the job name for scheduler
func (j *DailyMaintenanceJob) Name() string {
	return "daily_maintenance"
}

// Run executes the daily maintenance job
func (j *DailyMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	j.log.Info().Msg("Starting daily maintenance")
	startTime := time.Now()

	for _, name := range j.names() {
		db := j.databases[name]
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Str("database", name).Err(err).Msg("CRITICAL: Database health check failed")
			return fmt.Errorf("health check failed for %s: %w", name, err)
		}

		// Not critical: the next checkpoint catches up
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Str("database", name).Err(err).Msg("WAL checkpoint failed")
		}

		if stats, err := db.GetStats(); err == nil {
			j.log.Info().
				Str("database", name).
				Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
				Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
				Int64("freelist_pages", stats.FreelistCount).
				Msg("Database metrics")
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	if j.archiver != nil {
		if _, err := j.archiver.Rotate(ctx, j.retentionDays); err != nil {
			j.log.Warn().Err(err).Msg("Run archive rotation failed")
		}
	}

	j.log.Info().Dur("duration", time.Since(startTime)).Msg("Daily maintenance completed")
	return nil
}

// checkDiskSpace fails when the data directory is nearly full
func (j *DailyMaintenanceJob) checkDiskSpace() error {
	usage, err := j.diskUsage(j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}
	availableGB := float64(usage.Free) / 1e9

	switch {
	case usage.Free < criticalFreeBytes:
		j.log.Error().Float64("available_gb", availableGB).Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free in %s", availableGB, j.dataDir)
	case usage.Free < lowFreeBytes:
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")
	}
	return nil
}

func (j *DailyMaintenanceJob) names() []string {
	names := make([]string, 0, len(j.databases))
	for name, db := range j.databases {
		if db != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
