package job

import (
	"encoding/json"
	"path/filepath"

	"github.com/jorson-chen/Cortex/internal/config"
	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/schema"

	"golang.org/x/sync/errgroup"
)

// invalidOutputLimit bounds the diagnostic text recorded for unparseable
// analyzer output.
const invalidOutputLimit = 8192

func invalidOutputMessage(result RunResult) string {
	diagnostic := make([]byte, 0, len(result.Stderr)+len(result.Stdout))
	diagnostic = append(diagnostic, result.Stderr...)
	diagnostic = append(diagnostic, result.Stdout...)
	if len(diagnostic) > invalidOutputLimit {
		diagnostic = diagnostic[:invalidOutputLimit]
	}

	return "Invalid output\n" + string(diagnostic)
}

// ingestOutput parses the analyzer's stdout and finalises the job. A report
// and its artifacts are persisted on success, diagnostic text is recorded
// otherwise.
func (s *Service) ingestOutput(job database.Job, result RunResult) {
	if err := schema.ValidateJSON(filepath.Join(config.SchemasPath, "analyzer-output.json"), result.Stdout); err != nil {
		s.endJob(job, database.StatusFailure, invalidOutputMessage(result), "")

		return
	}

	var output schema.AnalyzerOutput
	if err := json.Unmarshal(result.Stdout, &output); err != nil {
		s.endJob(job, database.StatusFailure, invalidOutputMessage(result), "")

		return
	}

	if !output.Success {
		s.endJob(job, database.StatusFailure, output.ErrorMessage, output.Input)

		return
	}

	reportID, err := s.DB.CreateReport(job.ID, string(output.Full), string(output.Summary))
	if err != nil {
		s.endJob(job, database.StatusFailure, "Report creation failure: "+err.Error(), "")

		return
	}

	// artifacts are persisted concurrently, all of them must exist before
	// the job is finalised
	g := new(errgroup.Group)
	for _, raw := range output.Artifacts {
		artifact := normaliseArtifact(reportID, raw)
		g.Go(func() error {
			_, err := s.DB.CreateArtifact(artifact)

			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.endJob(job, database.StatusFailure, "Report creation failure: "+err.Error(), "")

		return
	}

	s.endJob(job, database.StatusSuccess, "", "")
}

// normaliseArtifact maps one emitted artifact object onto the stored shape.
// Analyzers emit either {type, value} or {dataType, data}, both normalise to
// the same artifact.
func normaliseArtifact(reportID string, raw map[string]interface{}) *database.Artifact {
	artifact := &database.Artifact{ReportID: reportID}

	if dataType, ok := raw["dataType"].(string); ok {
		artifact.DataType = dataType
	} else if dataType, ok := raw["type"].(string); ok {
		artifact.DataType = dataType
	}

	if data, ok := raw["data"].(string); ok {
		artifact.Data = data
	} else if data, ok := raw["value"].(string); ok {
		artifact.Data = data
	}

	if rawAttachment, ok := raw["attachment"].(map[string]interface{}); ok {
		if attachment, err := parseAttachment(rawAttachment); err == nil {
			artifact.Attachment = attachment
		}
	}

	return artifact
}
