package di

import (
	"fmt"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/reliability"
	"github.com/aristath/riskengine/internal/scheduler"
	"github.com/rs/zerolog"
)

// nightlyBatchTimeout bounds one scheduled run
const nightlyBatchTimeout = 4 * time.Hour

// RegisterJobs creates the scheduled jobs. They are registered with a
// scheduler by ScheduleJobs.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container.Orchestrator == nil {
		return nil, fmt.Errorf("services must be initialized before jobs")
	}

	jobs := &JobInstances{
		NightlyBatch:        scheduler.NewNightlyBatchJob(container.Orchestrator, nightlyBatchTimeout, log),
		CheckWALCheckpoints: scheduler.NewCheckWALCheckpointsJob(container.Databases(), log),
		DailyMaintenance: reliability.NewDailyMaintenanceJob(
			container.Databases(),
			cfg.DataDir,
			container.Archiver,
			cfg.Archive.RetentionDays,
			log,
		),
	}

	log.Debug().Int("jobs", len(jobs.All())).Msg("Jobs created")
	return jobs, nil
}

// ScheduleJobs registers the jobs on s. An empty batch schedule leaves the
// nightly batch to manual and CLI triggers.
func ScheduleJobs(s *scheduler.Scheduler, jobs *JobInstances, cfg *config.Config) error {
	return scheduler.Register(s,
		scheduler.Registration{Schedule: cfg.Batch.Schedule, Job: jobs.NightlyBatch},
		scheduler.Registration{Schedule: scheduler.WALCheckSchedule, Job: jobs.CheckWALCheckpoints},
		scheduler.Registration{Schedule: scheduler.MaintenanceSchedule, Job: jobs.DailyMaintenance},
	)
}
