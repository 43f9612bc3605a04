package scheduler

import (
	"fmt"
)

// Fixed schedules of the housekeeping jobs
const (
	WALCheckSchedule    = "0 */30 * * * *"
	MaintenanceSchedule = "0 0 3 * * *"
)

// Registration pairs a job with its schedule
type Registration struct {
	Schedule string
	Job      Job
}

// Register adds every registration with a non-empty schedule
func Register(s *Scheduler, regs ...Registration) error {
	for _, reg := range regs {
		if reg.Schedule == "" || reg.Job == nil {
			continue
		}
		if err := s.AddJob(reg.Schedule, reg.Job); err != nil {
			return fmt.Errorf("failed to register jobs: %w", err)
		}
	}
	return nil
}
