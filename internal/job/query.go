package job

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jorson-chen/Cortex/internal/database"
)

// parseRange turns a "from-to" range expression into a limit and offset.
// "all" lifts the limit, an empty range defaults to the first ten rows.
func parseRange(rangeSpec string) (limit, offset int, err error) {
	switch rangeSpec {
	case "":
		return 10, 0, nil
	case "all":
		return -1, 0, nil
	}

	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, &InvalidFormatError{Name: "range", Expected: "from-to"}
	}
	from, err := strconv.Atoi(parts[0])
	if err != nil || from < 0 {
		return 0, 0, &InvalidFormatError{Name: "range", Expected: "from-to"}
	}
	to, err := strconv.Atoi(parts[1])
	if err != nil || to < from {
		return 0, 0, &InvalidFormatError{Name: "range", Expected: "from-to"}
	}

	return to - from, from, nil
}

// ListForUser returns the jobs of the user's organisation, newest first,
// optionally narrowed by substring filters on data type, data and analyzer.
func (s *Service) ListForUser(userID, dataTypeFilter, dataFilter, analyzerFilter, rangeSpec string) ([]database.Job, error) {
	organization, err := s.Users.Organization(userID)
	if err != nil {
		return nil, err
	}

	limit, offset, err := parseRange(rangeSpec)
	if err != nil {
		return nil, err
	}

	return s.DB.ListJobs(organization, dataTypeFilter, dataFilter, analyzerFilter, limit, offset)
}

// GetForUser returns a job iff it belongs to the user's organisation.
func (s *Service) GetForUser(userID, jobID string) (database.Job, error) {
	organization, err := s.Users.Organization(userID)
	if err != nil {
		return database.Job{}, err
	}

	job, err := s.DB.GetJob(jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Job{}, &NotFoundError{Kind: "job", ID: jobID}
		}

		return database.Job{}, err
	}
	if job.Organization != organization {
		return database.Job{}, &NotFoundError{Kind: "job", ID: jobID}
	}

	return job, nil
}

// GetReportForUser returns the report of a job of the user's organisation.
func (s *Service) GetReportForUser(userID, jobID string) (database.Report, error) {
	if _, err := s.GetForUser(userID, jobID); err != nil {
		return database.Report{}, err
	}

	report, err := s.DB.GetReport(jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Report{}, &NotFoundError{Kind: "report of job", ID: jobID}
		}

		return database.Report{}, err
	}

	return report, nil
}

// FindArtifacts returns the artifacts extracted from a job's report, scoped
// by the user's organisation through the parent chain.
func (s *Service) FindArtifacts(userID, jobID, filter, rangeSpec string) ([]database.Artifact, error) {
	organization, err := s.Users.Organization(userID)
	if err != nil {
		return nil, err
	}

	limit, offset, err := parseRange(rangeSpec)
	if err != nil {
		return nil, err
	}

	return s.DB.ListArtifacts(organization, jobID, filter, limit, offset)
}

// Stats returns the job counts per status of the user's organisation.
func (s *Service) Stats(userID string) (json.RawMessage, error) {
	organization, err := s.Users.Organization(userID)
	if err != nil {
		return nil, err
	}

	stats, err := s.DB.JobStats(organization)
	if err != nil {
		return nil, err
	}

	return json.Marshal(stats)
}
