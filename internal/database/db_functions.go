package database

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// jobColumns is the column list every job query selects, in scanJob order.
const jobColumns = "id, analyzer_definition_id, analyzer_id, analyzer_name, organization, status, " +
	"data_type, tlp, message, parameters, data, attachment_id, attachment_name, " +
	"attachment_content_type, attachment_size, attachment_hash, error_message, input, " +
	"start_date, end_date, created_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s rowScanner) (Job, error) {
	var (
		job                              Job
		message, data, errMsg, input     sql.NullString
		attID, attName, attType, attHash sql.NullString
		attSize                          sql.NullInt64
		startDate, endDate               sql.NullTime
	)

	err := s.Scan(&job.ID, &job.AnalyzerDefinitionID, &job.AnalyzerID, &job.AnalyzerName,
		&job.Organization, &job.Status, &job.DataType, &job.TLP, &message, &job.Parameters,
		&data, &attID, &attName, &attType, &attSize, &attHash, &errMsg, &input,
		&startDate, &endDate, &job.CreatedAt)
	if err != nil {
		return Job{}, err
	}

	job.Message = message.String
	job.Data = data.String
	job.ErrorMessage = errMsg.String
	job.Input = input.String
	if attID.Valid {
		job.Attachment = &Attachment{
			ID:          attID.String,
			Name:        attName.String,
			ContentType: attType.String,
			Size:        attSize.Int64,
			Hash:        attHash.String,
		}
	}
	if startDate.Valid {
		t := startDate.Time
		job.StartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		job.EndDate = &t
	}

	return job, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

// CreateJob inserts a new job with status Waiting and returns its id.
// The insert is not retried, a failed submission must not leave two rows.
func (dbs *CortexDB) CreateJob(job *Job) (string, error) {
	dbs.checkAndReconnectIfNeeded()

	const insert = "INSERT INTO cortex.jobs (id, analyzer_definition_id, analyzer_id, analyzer_name, " +
		"organization, status, data_type, tlp, message, parameters, data, attachment_id, " +
		"attachment_name, attachment_content_type, attachment_size, attachment_hash) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) " +
		"RETURNING created_at"

	jobID := uuid.New().String()

	var attID, attName, attType, attHash interface{}
	var attSize interface{}
	if job.Attachment != nil {
		attID = job.Attachment.ID
		attName = job.Attachment.Name
		attType = job.Attachment.ContentType
		attSize = job.Attachment.Size
		attHash = nullStr(job.Attachment.Hash)
	}

	err := dbs.DB.QueryRow(insert, jobID, job.AnalyzerDefinitionID, job.AnalyzerID,
		job.AnalyzerName, job.Organization, StatusWaiting, job.DataType, job.TLP,
		nullStr(job.Message), job.Parameters, nullStr(job.Data), attID, attName, attType,
		attSize, attHash).Scan(&job.CreatedAt)
	if err != nil {
		return "", err
	}

	job.ID = jobID
	job.Status = StatusWaiting

	return jobID, nil
}

// GetJob fetches a job by id.
func (dbs *CortexDB) GetJob(id string) (Job, error) {
	var (
		err   error
		count int
		job   Job
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		job, err = dbs.getJob(id)
		count++
	}

	return job, err
}
func (dbs *CortexDB) getJob(id string) (Job, error) {
	dbs.checkAndReconnectIfNeeded()

	const query = "SELECT " + jobColumns + " FROM cortex.jobs WHERE id = $1"

	return scanJob(dbs.DB.QueryRow(query, id))
}

// StartJob transitions a Waiting job to InProgress and stamps its start date.
// The update is deliberately not retried and is guarded on the current status,
// so that two runners racing for the same job cannot both claim it.
func (dbs *CortexDB) StartJob(id string) (bool, error) {
	dbs.checkAndReconnectIfNeeded()

	const update = "UPDATE cortex.jobs SET status = $1, start_date = now() " +
		"WHERE id = $2 AND status = $3"

	result, err := dbs.DB.Exec(update, StatusInProgress, id, StatusWaiting)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// EndJob records the terminal status of a job together with its end date and
// the optional diagnostic fields.
func (dbs *CortexDB) EndJob(id, status, errorMessage, input string) error {
	var (
		err   error
		count int
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		err = dbs.endJob(id, status, errorMessage, input)
		count++
	}

	return err
}
func (dbs *CortexDB) endJob(id, status, errorMessage, input string) error {
	dbs.checkAndReconnectIfNeeded()

	const update = "UPDATE cortex.jobs SET status = $1, end_date = now(), " +
		"error_message = $2, input = $3 WHERE id = $4"

	result, err := dbs.DB.Exec(update, status, nullStr(errorMessage), nullStr(input), id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("no job with id %s", id)
	}

	return nil
}

// DeleteJob marks a job as Deleted. The row is kept.
func (dbs *CortexDB) DeleteJob(id string) error {
	var (
		err   error
		count int
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		err = dbs.deleteJob(id)
		count++
	}

	return err
}
func (dbs *CortexDB) deleteJob(id string) error {
	dbs.checkAndReconnectIfNeeded()

	const update = "UPDATE cortex.jobs SET status = $1 WHERE id = $2"

	result, err := dbs.DB.Exec(update, StatusDeleted, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("no job with id %s", id)
	}

	return nil
}

// CountJobsSince counts the jobs created for an analyzer within the sliding
// rate-limit window. Failed jobs count, they consumed capacity.
func (dbs *CortexDB) CountJobsSince(analyzerID string, windowSeconds int64) (int, error) {
	var (
		err   error
		count int
		n     int
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		n, err = dbs.countJobsSince(analyzerID, windowSeconds)
		count++
	}

	return n, err
}
func (dbs *CortexDB) countJobsSince(analyzerID string, windowSeconds int64) (int, error) {
	dbs.checkAndReconnectIfNeeded()

	const query = "SELECT COUNT(*) FROM cortex.jobs WHERE analyzer_id = $1 " +
		"AND created_at >= now() - $2 * INTERVAL '1 second'"

	var n int
	err := dbs.DB.QueryRow(query, analyzerID, windowSeconds).Scan(&n)

	return n, err
}

// FindSimilarJob returns the most recent non-failed, non-deleted job matching
// the submission fingerprint within the cache window. The boolean reports
// whether a match was found.
func (dbs *CortexDB) FindSimilarJob(analyzerID, dataType, data, attachmentID string, tlp int, parameters string, ttlSeconds int64) (Job, bool, error) {
	var (
		err   error
		count int
		job   Job
		found bool
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		job, found, err = dbs.findSimilarJob(analyzerID, dataType, data, attachmentID, tlp, parameters, ttlSeconds)
		count++
	}

	return job, found, err
}
func (dbs *CortexDB) findSimilarJob(analyzerID, dataType, data, attachmentID string, tlp int, parameters string, ttlSeconds int64) (Job, bool, error) {
	dbs.checkAndReconnectIfNeeded()

	query := "SELECT " + jobColumns + " FROM cortex.jobs WHERE analyzer_id = $1 " +
		"AND status NOT IN ('" + StatusFailure + "', '" + StatusDeleted + "') " +
		"AND start_date >= now() - $2 * INTERVAL '1 second' " +
		"AND data_type = $3 AND tlp = $4 AND parameters = $5 AND "
	args := []interface{}{analyzerID, ttlSeconds, dataType, tlp, parameters}
	if attachmentID != "" {
		query += "attachment_id = $6 "
		args = append(args, attachmentID)
	} else {
		query += "data = $6 "
		args = append(args, data)
	}
	query += "ORDER BY created_at DESC LIMIT 1"

	job, err := scanJob(dbs.DB.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}

	return job, true, nil
}

// ListWaitingJobs returns all jobs still in Waiting state, oldest first, for
// the startup recovery scan.
func (dbs *CortexDB) ListWaitingJobs() ([]Job, error) {
	var (
		err   error
		count int
		jobs  []Job
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		jobs, err = dbs.listWaitingJobs()
		count++
	}

	return jobs, err
}
func (dbs *CortexDB) listWaitingJobs() ([]Job, error) {
	dbs.checkAndReconnectIfNeeded()

	const query = "SELECT " + jobColumns + " FROM cortex.jobs WHERE status = $1 " +
		"ORDER BY created_at ASC"

	rows, err := dbs.DB.Query(query, StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// FailStaleJobs marks InProgress jobs whose start date is older than the given
// timeout as Failure. Used at startup, a crash mid-execution must not leave a
// job InProgress forever.
func (dbs *CortexDB) FailStaleJobs(timeoutSeconds int64) (int64, error) {
	dbs.checkAndReconnectIfNeeded()

	const update = "UPDATE cortex.jobs SET status = $1, end_date = now(), error_message = $2 " +
		"WHERE status = $3 AND start_date < now() - $4 * INTERVAL '1 second'"

	result, err := dbs.DB.Exec(update, StatusFailure, "stale job found at startup", StatusInProgress, timeoutSeconds)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// CreateReport inserts the report of a job and returns its id.
func (dbs *CortexDB) CreateReport(jobID, full, summary string) (string, error) {
	dbs.checkAndReconnectIfNeeded()

	const insert = "INSERT INTO cortex.reports (id, job_id, full_report, summary) " +
		"VALUES ($1, $2, $3, $4)"

	reportID := uuid.New().String()
	if _, err := dbs.DB.Exec(insert, reportID, jobID, full, summary); err != nil {
		return "", err
	}

	return reportID, nil
}

// GetReport fetches the single report of a job. sql.ErrNoRows is returned
// when the job has none.
func (dbs *CortexDB) GetReport(jobID string) (Report, error) {
	var (
		err    error
		count  int
		report Report
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		report, err = dbs.getReport(jobID)
		count++
	}

	return report, err
}
func (dbs *CortexDB) getReport(jobID string) (Report, error) {
	dbs.checkAndReconnectIfNeeded()

	const query = "SELECT id, job_id, full_report, summary, created_at FROM cortex.reports " +
		"WHERE job_id = $1"

	var report Report
	err := dbs.DB.QueryRow(query, jobID).Scan(&report.ID, &report.JobID, &report.Full,
		&report.Summary, &report.CreatedAt)

	return report, err
}

// CreateArtifact inserts one extracted artifact under a report.
func (dbs *CortexDB) CreateArtifact(artifact *Artifact) (string, error) {
	dbs.checkAndReconnectIfNeeded()

	const insert = "INSERT INTO cortex.artifacts (id, report_id, data_type, data, " +
		"attachment_id, attachment_name, attachment_content_type, attachment_size) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

	artifactID := uuid.New().String()

	var attID, attName, attType, attSize interface{}
	if artifact.Attachment != nil {
		attID = artifact.Attachment.ID
		attName = artifact.Attachment.Name
		attType = artifact.Attachment.ContentType
		attSize = artifact.Attachment.Size
	}

	_, err := dbs.DB.Exec(insert, artifactID, artifact.ReportID, artifact.DataType,
		nullStr(artifact.Data), attID, attName, attType, attSize)
	if err != nil {
		return "", err
	}

	artifact.ID = artifactID

	return artifactID, nil
}

// ListArtifacts returns the artifacts of a job, scoped by the owning
// organisation through the report and job parent chain. The filter argument
// narrows on artifact data or data type when non-empty.
func (dbs *CortexDB) ListArtifacts(organization, jobID, filter string, limit, offset int) ([]Artifact, error) {
	var (
		err       error
		count     int
		artifacts []Artifact
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		artifacts, err = dbs.listArtifacts(organization, jobID, filter, limit, offset)
		count++
	}

	return artifacts, err
}
func (dbs *CortexDB) listArtifacts(organization, jobID, filter string, limit, offset int) ([]Artifact, error) {
	dbs.checkAndReconnectIfNeeded()

	query := "SELECT a.id, a.report_id, a.data_type, a.data, a.attachment_id, " +
		"a.attachment_name, a.attachment_content_type, a.attachment_size, a.created_at " +
		"FROM cortex.artifacts a " +
		"JOIN cortex.reports r ON a.report_id = r.id " +
		"JOIN cortex.jobs j ON r.job_id = j.id " +
		"WHERE j.organization = $1 AND j.id = $2"
	args := []interface{}{organization, jobID}
	if filter != "" {
		args = append(args, filter)
		query += fmt.Sprintf(" AND (a.data ILIKE '%%' || $%d || '%%' OR a.data_type ILIKE '%%' || $%d || '%%')", len(args), len(args))
	}
	query += " ORDER BY a.created_at ASC"
	if limit >= 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := dbs.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var (
			artifact               Artifact
			data                   sql.NullString
			attID, attName, attTyp sql.NullString
			attSize                sql.NullInt64
		)
		err := rows.Scan(&artifact.ID, &artifact.ReportID, &artifact.DataType, &data,
			&attID, &attName, &attTyp, &attSize, &artifact.CreatedAt)
		if err != nil {
			return nil, err
		}
		artifact.Data = data.String
		if attID.Valid {
			artifact.Attachment = &Attachment{
				ID:          attID.String,
				Name:        attName.String,
				ContentType: attTyp.String,
				Size:        attSize.Int64,
			}
		}
		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

// ListJobs returns the non-deleted jobs of an organisation, newest first.
// The dataType, data and analyzer arguments are substring filters, empty
// strings match everything. A negative limit returns all rows.
func (dbs *CortexDB) ListJobs(organization, dataType, data, analyzer string, limit, offset int) ([]Job, error) {
	var (
		err   error
		count int
		jobs  []Job
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		jobs, err = dbs.listJobs(organization, dataType, data, analyzer, limit, offset)
		count++
	}

	return jobs, err
}
func (dbs *CortexDB) listJobs(organization, dataType, data, analyzer string, limit, offset int) ([]Job, error) {
	dbs.checkAndReconnectIfNeeded()

	query := "SELECT " + jobColumns + " FROM cortex.jobs WHERE organization = $1 " +
		"AND status <> '" + StatusDeleted + "'"
	args := []interface{}{organization}
	if dataType != "" {
		args = append(args, dataType)
		query += fmt.Sprintf(" AND data_type ILIKE '%%' || $%d || '%%'", len(args))
	}
	if data != "" {
		args = append(args, data)
		query += fmt.Sprintf(" AND data ILIKE '%%' || $%d || '%%'", len(args))
	}
	if analyzer != "" {
		args = append(args, analyzer)
		query += fmt.Sprintf(" AND (analyzer_id ILIKE '%%' || $%d || '%%' OR analyzer_name ILIKE '%%' || $%d || '%%')", len(args), len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit >= 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := dbs.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// JobStats returns the number of jobs per status for an organisation.
func (dbs *CortexDB) JobStats(organization string) (map[string]int64, error) {
	var (
		err   error
		count int
		stats map[string]int64
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		stats, err = dbs.jobStats(organization)
		count++
	}

	return stats, err
}
func (dbs *CortexDB) jobStats(organization string) (map[string]int64, error) {
	dbs.checkAndReconnectIfNeeded()

	const query = "SELECT status, COUNT(*) FROM cortex.jobs WHERE organization = $1 " +
		"GROUP BY status"

	rows, err := dbs.DB.Query(query, organization)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}

	return stats, rows.Err()
}

// GetAnalyzer fetches one configured analyzer instance by id.
func (dbs *CortexDB) GetAnalyzer(id string) (Analyzer, error) {
	var (
		err      error
		count    int
		analyzer Analyzer
	)

	for count == 0 || (err != nil && count < RetryTimes) {
		analyzer, err = dbs.getAnalyzer(id)
		count++
	}

	return analyzer, err
}
func (dbs *CortexDB) getAnalyzer(id string) (Analyzer, error) {
	dbs.checkAndReconnectIfNeeded()

	const query = "SELECT id, name, organization, analyzer_definition_id, rate, rate_unit, " +
		"configuration FROM cortex.analyzers WHERE id = $1"

	var (
		analyzer       Analyzer
		rate           sql.NullInt64
		rateUnit, conf sql.NullString
	)
	err := dbs.DB.QueryRow(query, id).Scan(&analyzer.ID, &analyzer.Name,
		&analyzer.Organization, &analyzer.AnalyzerDefinitionID, &rate, &rateUnit, &conf)
	if err != nil {
		return Analyzer{}, err
	}
	analyzer.Rate = int(rate.Int64)
	analyzer.RateUnit = rateUnit.String
	analyzer.Configuration = conf.String

	return analyzer, nil
}
