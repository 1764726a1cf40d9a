package job

import (
	"encoding/json"

	"github.com/jorson-chen/Cortex/internal/database"

	"github.com/hashicorp/go-multierror"
)

// Submission is the parsed and validated form of one job submission.
type Submission struct {
	DataType   string
	Data       string
	Attachment *database.Attachment
	TLP        int
	Message    string
	Parameters map[string]interface{}
	// Parameters as persisted, a stable encoding so that equal submissions
	// hit the similar-job cache
	ParametersJSON string
	Force          bool
}

// ParseFields validates the submission fields into a Submission. Two shapes
// are accepted: the flat one, and the legacy one where the scalar fields live
// in a nested attributes object. All faults are accumulated and returned
// together.
func ParseFields(fields map[string]interface{}) (Submission, error) {
	var faults *multierror.Error

	attributes := fields
	if raw, ok := fields["attributes"]; ok {
		nested, ok := raw.(map[string]interface{})
		if !ok {
			return Submission{}, multierror.Append(nil, &InvalidFormatError{Name: "attributes", Expected: "object"})
		}
		attributes = nested
	}

	submission := Submission{TLP: 2, Parameters: map[string]interface{}{}}

	switch raw := attributes["dataType"].(type) {
	case nil:
		faults = multierror.Append(faults, &MissingAttributeError{Name: "dataType"})
	case string:
		if raw == "" {
			faults = multierror.Append(faults, &MissingAttributeError{Name: "dataType"})
		}
		submission.DataType = raw
	default:
		faults = multierror.Append(faults, &InvalidFormatError{Name: "dataType", Expected: "string"})
	}

	if raw, ok := attributes["tlp"]; ok {
		tlp, isNumber := raw.(float64)
		if !isNumber || tlp != float64(int(tlp)) || tlp < 0 || tlp > 3 {
			faults = multierror.Append(faults, &InvalidFormatError{Name: "tlp", Expected: "number between 0 and 3"})
		} else {
			submission.TLP = int(tlp)
		}
	}

	if raw, ok := attributes["message"]; ok {
		message, isString := raw.(string)
		if !isString {
			faults = multierror.Append(faults, &InvalidFormatError{Name: "message", Expected: "string"})
		} else {
			submission.Message = message
		}
	}

	if raw, ok := attributes["parameters"]; ok {
		parameters, isObject := raw.(map[string]interface{})
		if !isObject {
			faults = multierror.Append(faults, &InvalidFormatError{Name: "parameters", Expected: "object"})
		} else {
			submission.Parameters = parameters
		}
	}

	// data, attachment and force always live at the top level
	if raw, ok := fields["force"]; ok {
		force, isBool := raw.(bool)
		if !isBool {
			faults = multierror.Append(faults, &InvalidFormatError{Name: "force", Expected: "boolean"})
		} else {
			submission.Force = force
		}
	}

	if raw, ok := fields["data"]; ok {
		data, isString := raw.(string)
		if !isString {
			faults = multierror.Append(faults, &InvalidFormatError{Name: "data", Expected: "string"})
		} else {
			submission.Data = data
		}
	}

	if raw, ok := fields["attachment"]; ok {
		attachment, err := parseAttachment(raw)
		if err != nil {
			faults = multierror.Append(faults, err)
		} else {
			submission.Attachment = attachment
		}
	}

	switch {
	case submission.Data == "" && submission.Attachment == nil:
		faults = multierror.Append(faults, &MissingAttributeError{Name: "data"})
	case submission.Data != "" && submission.Attachment != nil:
		faults = multierror.Append(faults, &InvalidFormatError{Name: "data", Expected: "single observable, both data and attachment were given"})
	}

	// map marshalling sorts the keys, equal parameter objects encode equally
	encoded, err := json.Marshal(submission.Parameters)
	if err != nil {
		faults = multierror.Append(faults, &InvalidFormatError{Name: "parameters", Expected: "JSON object"})
	}
	submission.ParametersJSON = string(encoded)

	if faults.ErrorOrNil() != nil {
		return Submission{}, faults
	}

	return submission, nil
}

func parseAttachment(raw interface{}) (*database.Attachment, error) {
	object, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &InvalidFormatError{Name: "attachment", Expected: "object"}
	}

	id, ok := object["id"].(string)
	if !ok || id == "" {
		return nil, &MissingAttributeError{Name: "attachment.id"}
	}

	attachment := &database.Attachment{ID: id}
	if name, ok := object["name"].(string); ok {
		attachment.Name = name
	}
	if contentType, ok := object["contentType"].(string); ok {
		attachment.ContentType = contentType
	}
	if size, ok := object["size"].(float64); ok {
		attachment.Size = int64(size)
	}
	if hash, ok := object["hash"].(string); ok {
		attachment.Hash = hash
	}

	return attachment, nil
}
