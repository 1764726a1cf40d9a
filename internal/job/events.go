package job

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/jorson-chen/Cortex/internal/config"
	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/schema"

	log "github.com/sirupsen/logrus"
)

// publishEvent announces a job state change on the event exchange. Publish
// failures are logged, they never fail the job.
func (s *Service) publishEvent(job *database.Job) {
	if s.MQ == nil {
		return
	}

	event := schema.JobEvent{
		JobID:        job.ID,
		AnalyzerID:   job.AnalyzerID,
		Organization: job.Organization,
		Status:       job.Status,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Errorf("failed to encode job event, reason: (%s)", err.Error())

		return
	}

	if err := schema.ValidateJSON(filepath.Join(config.SchemasPath, "job-event.json"), body); err != nil {
		log.Errorf("validation of outgoing job event failed, reason: (%s)", err.Error())

		return
	}

	if err := s.MQ.SendMessage(job.ID, s.Conf.Broker.Exchange, s.Conf.Broker.RoutingKey, body); err != nil {
		log.Errorf("failed to publish job event, reason: (%s)", err.Error())
	}
}
