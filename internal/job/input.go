package job

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jorson-chen/Cortex/internal/analyzer"
	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/schema"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// deepMerge merges src into dst, src wins. Nested objects are merged
// recursively, everything else is replaced.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(dst)+len(src))
	for key, value := range dst {
		merged[key] = value
	}
	for key, value := range src {
		srcObject, srcIsObject := value.(map[string]interface{})
		dstObject, dstIsObject := merged[key].(map[string]interface{})
		if srcIsObject && dstIsObject {
			merged[key] = deepMerge(dstObject, srcObject)

			continue
		}
		merged[key] = value
	}

	return merged
}

// coerceItem reads one configuration value with type coercion. Items marked
// multi take an array of the declared type.
func coerceItem(item schema.ConfigurationItem, value interface{}) (interface{}, error) {
	if item.Multi {
		values, ok := value.([]interface{})
		if !ok {
			return nil, &InvalidFormatError{Name: item.Name, Expected: "array of " + item.Type}
		}
		scalar := item
		scalar.Multi = false
		coerced := make([]interface{}, 0, len(values))
		for _, v := range values {
			c, err := coerceItem(scalar, v)
			if err != nil {
				return nil, &InvalidFormatError{Name: item.Name, Expected: "array of " + item.Type}
			}
			coerced = append(coerced, c)
		}

		return coerced, nil
	}

	switch item.Type {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
	default:
		return nil, &InvalidFormatError{Name: item.Name, Expected: item.Type}
	}

	return nil, &InvalidFormatError{Name: item.Name, Expected: item.Type}
}

// validateConfig checks the effective configuration against the union of the
// global base schema and the definition's own items. Faults are accumulated,
// a submission with three bad items reports all three.
func validateConfig(effective map[string]interface{}, items []schema.ConfigurationItem) (map[string]interface{}, error) {
	var faults *multierror.Error

	validated := make(map[string]interface{}, len(effective))
	for key, value := range effective {
		validated[key] = value
	}

	all := make([]schema.ConfigurationItem, 0, len(analyzer.GlobalConfigurationItems)+len(items))
	all = append(all, analyzer.GlobalConfigurationItems...)
	all = append(all, items...)

	for _, item := range all {
		value, present := effective[item.Name]
		if !present {
			if item.DefaultValue != nil {
				validated[item.Name] = item.DefaultValue

				continue
			}
			if item.Required {
				faults = multierror.Append(faults, &MissingAttributeError{Name: item.Name})
			}

			continue
		}

		coerced, err := coerceItem(item, value)
		if err != nil {
			faults = multierror.Append(faults, err)

			continue
		}
		validated[item.Name] = coerced
	}

	if faults.ErrorOrNil() != nil {
		return nil, faults
	}

	return validated, nil
}

// buildInput produces the document fed to the analyzer's stdin, together
// with a cleanup function for the materialised attachment. The cleanup is
// valid on every return path, also on error.
func (s *Service) buildInput(job *database.Job, definition schema.AnalyzerDefinition, analyzerConfig map[string]interface{}) (*schema.AnalyzerInput, func(), error) {
	cleanup := func() {}

	effective := deepMerge(analyzerConfig, job.ParametersMap())
	validated, err := validateConfig(effective, definition.ConfigurationItems)
	if err != nil {
		return nil, cleanup, err
	}

	input := &schema.AnalyzerInput{
		DataType: job.DataType,
		Message:  job.Message,
		Config:   deepMerge(definition.Configuration, validated),
	}

	switch {
	case job.Attachment != nil:
		path, err := s.materialiseAttachment(job.Attachment)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to materialise attachment %s: %v", job.Attachment.ID, err)
		}
		cleanup = func() {
			if err := os.Remove(path); err != nil {
				log.Errorf("failed to remove temporary attachment file %s, reason: (%s)", path, err.Error())
			}
		}
		input.File = path
		input.Filename = job.Attachment.Name
		if input.Filename == "" {
			input.Filename = job.Attachment.ID
		}
		input.ContentType = job.Attachment.ContentType
		if input.ContentType == "" {
			input.ContentType = "application/octet-stream"
		}
	default:
		input.Data = job.Data
	}

	return input, cleanup, nil
}

// materialiseAttachment streams the blob to a fresh temporary file and
// returns its path.
func (s *Service) materialiseAttachment(attachment *database.Attachment) (string, error) {
	source, err := s.Attachments.NewFileReader(attachment.ID)
	if err != nil {
		return "", err
	}
	defer source.Close()

	file, err := os.CreateTemp("", "cortex-attachment-")
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(file, source); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())

		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())

		return "", err
	}

	return file.Name(), nil
}
