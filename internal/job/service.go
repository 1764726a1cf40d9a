package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jorson-chen/Cortex/internal/analyzer"
	"github.com/jorson-chen/Cortex/internal/broker"
	"github.com/jorson-chen/Cortex/internal/config"
	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/schema"
	"github.com/jorson-chen/Cortex/internal/storage"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// UserResolver maps a user to their organisation. Authentication itself is
// not a concern of this service, the façade in front of it hands over
// already authenticated user ids.
type UserResolver interface {
	Organization(userID string) (string, error)
}

// StaticUsers resolves organisations from a fixed map, as configured for the
// daemon.
type StaticUsers map[string]string

// Organization implements UserResolver.
func (u StaticUsers) Organization(userID string) (string, error) {
	organization, ok := u[userID]
	if !ok {
		return "", &NotFoundError{Kind: "user", ID: userID}
	}

	return organization, nil
}

// Service owns the job lifecycle: admission, execution and the read paths.
type Service struct {
	Conf        *config.Config
	DB          *database.CortexDB
	Attachments storage.Backend
	MQ          *broker.AMQPBroker
	Definitions *analyzer.DefinitionStore
	Users       UserResolver

	runners *semaphore.Weighted
	running sync.WaitGroup
}

// NewService wires a job service. mq may be nil, event publishing is then
// disabled.
func NewService(conf *config.Config, db *database.CortexDB, attachments storage.Backend, mq *broker.AMQPBroker, definitions *analyzer.DefinitionStore, users UserResolver) *Service {
	return &Service{
		Conf:        conf,
		DB:          db,
		Attachments: attachments,
		MQ:          mq,
		Definitions: definitions,
		Users:       users,
		runners:     semaphore.NewWeighted(conf.Job.PoolSize),
	}
}

// Wait blocks until all in-flight analyzer runs have finished. Used by tests;
// the daemon does not call it on shutdown.
func (s *Service) Wait() {
	s.running.Wait()
}

// Submit resolves the analyzer for the submitting user, parses the
// submission fields and creates the job. The analyzer must belong to the
// user's organisation.
func (s *Service) Submit(userID, analyzerID string, fields map[string]interface{}) (*database.Job, error) {
	organization, err := s.Users.Organization(userID)
	if err != nil {
		return nil, err
	}

	analyzerRow, err := s.DB.GetAnalyzer(analyzerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "analyzer", ID: analyzerID}
		}

		return nil, err
	}
	if analyzerRow.Organization != organization {
		return nil, &NotFoundError{Kind: "analyzer", ID: analyzerID}
	}

	definition, err := s.Definitions.Get(analyzerRow.AnalyzerDefinitionID)
	if err != nil {
		return nil, &NotFoundError{Kind: "analyzer definition", ID: analyzerRow.AnalyzerDefinitionID}
	}

	submission, err := ParseFields(fields)
	if err != nil {
		return nil, err
	}

	accepted := false
	for _, dataType := range definition.DataTypeList {
		if dataType == submission.DataType {
			accepted = true

			break
		}
	}
	if !accepted {
		return nil, &InvalidFormatError{Name: "dataType", Expected: fmt.Sprintf("one of %v", definition.DataTypeList)}
	}

	return s.Create(analyzerRow, definition, submission)
}

// Create admits the submission and persists a Waiting job, then kicks off
// execution asynchronously. The job is returned as soon as its row exists,
// completion is observed through the stored status. When a similar recent
// job exists and force is not set, that job is returned instead with
// FromCache set and nothing is persisted.
func (s *Service) Create(analyzerRow database.Analyzer, definition schema.AnalyzerDefinition, submission Submission) (*database.Job, error) {
	attachmentID := ""
	if submission.Attachment != nil {
		attachmentID = submission.Attachment.ID
	}

	if !submission.Force && s.Conf.Job.CacheTTL > 0 {
		cached, found, err := s.DB.FindSimilarJob(analyzerRow.ID, submission.DataType,
			submission.Data, attachmentID, submission.TLP, submission.ParametersJSON,
			int64(s.Conf.Job.CacheTTL.Seconds()))
		if err != nil {
			return nil, err
		}
		if found {
			log.Debugf("cache hit for analyzer %s, returning job %s", analyzerRow.ID, cached.ID)
			cached.FromCache = true

			return &cached, nil
		}
	}

	underLimit, err := s.isUnderRateLimit(analyzerRow)
	if err != nil {
		return nil, err
	}
	if !underLimit {
		log.Infof("rate limit reached for analyzer %s", analyzerRow.ID)

		return nil, ErrRateLimitExceeded
	}

	job := &database.Job{
		AnalyzerDefinitionID: analyzerRow.AnalyzerDefinitionID,
		AnalyzerID:           analyzerRow.ID,
		AnalyzerName:         analyzerRow.Name,
		Organization:         analyzerRow.Organization,
		DataType:             submission.DataType,
		TLP:                  submission.TLP,
		Message:              submission.Message,
		Parameters:           submission.ParametersJSON,
		Data:                 submission.Data,
		Attachment:           submission.Attachment,
	}
	if _, err := s.DB.CreateJob(job); err != nil {
		return nil, err
	}
	log.Infof("created job %s (analyzer: %s, dataType: %s)", job.ID, job.AnalyzerID, job.DataType)
	s.publishEvent(job)

	s.runAsync(*job, analyzerRow, definition)

	return job, nil
}

// Delete soft-deletes a job of the user's organisation.
func (s *Service) Delete(userID, jobID string) error {
	job, err := s.GetForUser(userID, jobID)
	if err != nil {
		return err
	}

	if err := s.DB.DeleteJob(job.ID); err != nil {
		return err
	}
	job.Status = database.StatusDeleted
	s.publishEvent(&job)

	return nil
}

// isUnderRateLimit admits unconditionally when the analyzer carries no rate
// limit, and otherwise counts the jobs in the sliding window.
func (s *Service) isUnderRateLimit(analyzerRow database.Analyzer) (bool, error) {
	windowSeconds := rateUnitSeconds(analyzerRow.RateUnit)
	if analyzerRow.Rate <= 0 || windowSeconds == 0 {
		return true, nil
	}

	count, err := s.DB.CountJobsSince(analyzerRow.ID, windowSeconds)
	if err != nil {
		return false, err
	}

	return count < analyzerRow.Rate, nil
}

// rateUnitSeconds converts a rate unit to the length of its sliding window.
// Unknown units disable the limit.
func rateUnitSeconds(unit string) int64 {
	switch unit {
	case "Day":
		return 24 * 60 * 60
	case "Month":
		return 30 * 24 * 60 * 60
	default:
		return 0
	}
}

// runAsync runs the execution pipeline as a supervised detached task, a
// panic must not lose the job.
func (s *Service) runAsync(job database.Job, analyzerRow database.Analyzer, definition schema.AnalyzerDefinition) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("analyzer run panicked (job-id: %s): %v", job.ID, r)
				if err := s.DB.EndJob(job.ID, database.StatusFailure, fmt.Sprintf("analyzer run panicked: %v", r), ""); err != nil {
					log.Errorf("failed to record panicked job %s, reason: (%s)", job.ID, err.Error())
				}
			}
		}()
		s.execute(job, analyzerRow, definition)
	}()
}

// execute drives one job from Waiting to a terminal state. Every failure
// lands on the job, execution errors are never raised to the submitter.
func (s *Service) execute(job database.Job, analyzerRow database.Analyzer, definition schema.AnalyzerDefinition) {
	claimed, err := s.DB.StartJob(job.ID)
	if err != nil {
		// the job is still Waiting and will be picked up by the next
		// recovery scan
		log.Errorf("failed to claim job %s, reason: (%s)", job.ID, err.Error())

		return
	}
	if !claimed {
		log.Infof("job %s was already claimed by another runner", job.ID)

		return
	}

	input, cleanup, err := s.buildInput(&job, definition, analyzerRow.ConfigurationMap())
	defer cleanup()
	if err != nil {
		s.endJob(job, database.StatusFailure, err.Error(), "")

		return
	}

	body, err := json.Marshal(input)
	if err != nil {
		s.endJob(job, database.StatusFailure, fmt.Sprintf("failed to encode analyzer input: %v", err), "")

		return
	}
	if err := schema.ValidateJSON(filepath.Join(config.SchemasPath, "analyzer-input.json"), body); err != nil {
		s.endJob(job, database.StatusFailure, fmt.Sprintf("invalid analyzer input: %v", err), "")

		return
	}

	// analyzer processes run on their own bounded pool so a slow analyzer
	// does not starve the rest of the service
	if err := s.runners.Acquire(context.Background(), 1); err != nil {
		s.endJob(job, database.StatusFailure, fmt.Sprintf("failed to acquire analyzer runner: %v", err), "")

		return
	}

	ctx := context.Background()
	cancel := func() {}
	if s.Conf.Job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.Conf.Job.Timeout)
	}
	result, err := runCommand(ctx, definition.Command, definition.BaseDirectory, body)
	cancel()
	s.runners.Release(1)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.endJob(job, database.StatusFailure, fmt.Sprintf("analyzer run exceeded the configured timeout of %s", s.Conf.Job.Timeout), "")

			return
		}
		s.endJob(job, database.StatusFailure, fmt.Sprintf("failed to run analyzer: %v", err), "")

		return
	}

	log.Debugf("analyzer exited (job-id: %s, exit-code: %d)", job.ID, result.ExitCode)
	s.ingestOutput(job, result)
}

// endJob records the terminal state and publishes the matching event.
func (s *Service) endJob(job database.Job, status, message, input string) {
	if err := s.DB.EndJob(job.ID, status, message, input); err != nil {
		log.Errorf("failed to end job %s, reason: (%s)", job.ID, err.Error())

		return
	}
	log.Infof("job %s ended with status %s", job.ID, status)
	job.Status = status
	s.publishEvent(&job)
}
