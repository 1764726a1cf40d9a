package job

import (
	"fmt"

	"github.com/jorson-chen/Cortex/internal/database"

	log "github.com/sirupsen/logrus"
)

// RecoverJobs re-drives jobs left behind by an earlier run of the service.
// Jobs persisted Waiting but never started are started now. When a run
// timeout is configured, InProgress jobs whose start date is older than the
// timeout are first marked Failure, a crash mid-execution must not leave a
// job InProgress forever.
//
// Recovery is idempotent at the job level, the Waiting to InProgress
// transition is claimed by exactly one runner.
func (s *Service) RecoverJobs() error {
	if s.Conf.Job.Timeout > 0 {
		stale, err := s.DB.FailStaleJobs(int64(s.Conf.Job.Timeout.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to fail stale jobs: %v", err)
		}
		if stale > 0 {
			log.Infof("marked %d stale jobs as failed", stale)
		}
	}

	waiting, err := s.DB.ListWaitingJobs()
	if err != nil {
		return fmt.Errorf("failed to list waiting jobs: %v", err)
	}

	for _, job := range waiting {
		analyzerRow, err := s.DB.GetAnalyzer(job.AnalyzerID)
		if err != nil {
			log.Errorf("cannot recover job %s, analyzer %s is gone, reason: (%s)", job.ID, job.AnalyzerID, err.Error())
			s.failUnrecoverable(job, fmt.Sprintf("analyzer %s no longer exists", job.AnalyzerID))

			continue
		}

		definition, err := s.Definitions.Get(job.AnalyzerDefinitionID)
		if err != nil {
			log.Errorf("cannot recover job %s, reason: (%s)", job.ID, err.Error())
			s.failUnrecoverable(job, fmt.Sprintf("analyzer definition %s no longer exists", job.AnalyzerDefinitionID))

			continue
		}

		log.Infof("recovering job %s", job.ID)
		s.runAsync(job, analyzerRow, definition)
	}

	if len(waiting) > 0 {
		log.Infof("recovery scan re-drove %d waiting jobs", len(waiting))
	}

	return nil
}

// failUnrecoverable finalises a Waiting job that can never run again. The
// job is claimed first so the terminal state carries a start date.
func (s *Service) failUnrecoverable(job database.Job, message string) {
	claimed, err := s.DB.StartJob(job.ID)
	if err != nil || !claimed {
		return
	}
	s.endJob(job, database.StatusFailure, message, "")
}
