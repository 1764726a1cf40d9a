package database

import (
	"encoding/json"
	"time"
)

// Job statuses. A job is created Waiting, claimed InProgress by exactly one
// runner and finished Success or Failure. Deleted is a soft delete and can be
// reached from any other status.
const (
	StatusWaiting    = "Waiting"
	StatusInProgress = "InProgress"
	StatusSuccess    = "Success"
	StatusFailure    = "Failure"
	StatusDeleted    = "Deleted"
)

// Attachment is a reference to a blob held by the attachment storage backend.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash,omitempty"`
}

// Job is one execution of one analyzer against one observable. Exactly one of
// Data or Attachment is set.
type Job struct {
	ID                   string      `json:"id"`
	AnalyzerDefinitionID string      `json:"analyzerDefinitionId"`
	AnalyzerID           string      `json:"analyzerId"`
	AnalyzerName         string      `json:"analyzerName"`
	Organization         string      `json:"organization"`
	Status               string      `json:"status"`
	DataType             string      `json:"dataType"`
	TLP                  int         `json:"tlp"`
	Message              string      `json:"message,omitempty"`
	Parameters           string      `json:"parameters"`
	Data                 string      `json:"data,omitempty"`
	Attachment           *Attachment `json:"attachment,omitempty"`
	ErrorMessage         string      `json:"errorMessage,omitempty"`
	Input                string      `json:"input,omitempty"`
	StartDate            *time.Time  `json:"startDate,omitempty"`
	EndDate              *time.Time  `json:"endDate,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`

	// FromCache is synthesised when a submission is answered from the
	// similar-job cache. It is never written to the database.
	FromCache bool `json:"fromCache,omitempty"`
}

// ParametersMap decodes the persisted parameters encoding. A job row always
// holds a valid encoding, a broken one decodes to an empty map.
func (j *Job) ParametersMap() map[string]interface{} {
	parameters := map[string]interface{}{}
	if j.Parameters != "" {
		_ = json.Unmarshal([]byte(j.Parameters), &parameters)
	}

	return parameters
}

// Report is the structured success output of one job.
type Report struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Full      string    `json:"full"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// Artifact is a sub-observable extracted from a report.
type Artifact struct {
	ID         string      `json:"id"`
	ReportID   string      `json:"reportId"`
	DataType   string      `json:"dataType"`
	Data       string      `json:"data,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Analyzer is one configured analyzer instance, owned by an organisation.
// Rate and RateUnit are optional, zero values mean no rate limit.
type Analyzer struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Organization         string `json:"organization"`
	AnalyzerDefinitionID string `json:"analyzerDefinitionId"`
	Rate                 int    `json:"rate,omitempty"`
	RateUnit             string `json:"rateUnit,omitempty"`
	Configuration        string `json:"configuration,omitempty"`
}

// ConfigurationMap decodes the analyzer's per-organisation configuration.
func (a *Analyzer) ConfigurationMap() map[string]interface{} {
	configuration := map[string]interface{}{}
	if a.Configuration != "" {
		_ = json.Unmarshal([]byte(a.Configuration), &configuration)
	}

	return configuration
}
