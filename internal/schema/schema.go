// Package schema holds the documents exchanged with analyzer processes and
// published on the event exchange, together with their JSON schema validation.
package schema

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates body against the JSON schema referenced by path.
func ValidateJSON(reference string, body []byte) error {
	dest := getStructName(reference)
	if dest == "" {
		return fmt.Errorf("unknown reference schema")
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	schema, err := compiler.Compile(reference)
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}

	if err = schema.Validate(v); err != nil {
		return fmt.Errorf("%#v", err)
	}

	return nil
}

func getStructName(path string) interface{} {
	switch strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) {
	case "analyzer-input":
		return new(AnalyzerInput)
	case "analyzer-output":
		return new(AnalyzerOutput)
	case "analyzer-definition":
		return new(AnalyzerDefinition)
	case "job-event":
		return new(JobEvent)
	default:
		return ""
	}
}

// AnalyzerInput is the document written to the stdin of an analyzer process.
// Exactly one of Data or the File/Filename/ContentType triple is set.
type AnalyzerInput struct {
	Data        string                 `json:"data,omitempty"`
	File        string                 `json:"file,omitempty"`
	Filename    string                 `json:"filename,omitempty"`
	ContentType string                 `json:"contentType,omitempty"`
	DataType    string                 `json:"dataType"`
	Message     string                 `json:"message"`
	Config      map[string]interface{} `json:"config"`
}

// AnalyzerOutput is the document an analyzer emits on stdout at exit.
// Full and Summary are required when Success is true.
type AnalyzerOutput struct {
	Success      bool                     `json:"success"`
	Full         json.RawMessage          `json:"full,omitempty"`
	Summary      json.RawMessage          `json:"summary,omitempty"`
	Artifacts    []map[string]interface{} `json:"artifacts,omitempty"`
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	Input        string                   `json:"input,omitempty"`
}

// AnalyzerDefinition mirrors the JSON description files that declare how an
// analyzer is invoked.
type AnalyzerDefinition struct {
	Name               string                 `json:"name"`
	Version            string                 `json:"version,omitempty"`
	Description        string                 `json:"description,omitempty"`
	DataTypeList       []string               `json:"dataTypeList"`
	Command            string                 `json:"command"`
	BaseDirectory      string                 `json:"baseDirectory,omitempty"`
	ConfigurationItems []ConfigurationItem    `json:"configurationItems,omitempty"`
	Configuration      map[string]interface{} `json:"configuration,omitempty"`
}

// ConfigurationItem is one typed entry of an analyzer definition's
// configuration schema.
type ConfigurationItem struct {
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Type         string      `json:"type"`
	Required     bool        `json:"required,omitempty"`
	Multi        bool        `json:"multi,omitempty"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
}

// JobEvent is published on the event exchange when a job is created or
// reaches a terminal state.
type JobEvent struct {
	JobID        string `json:"job_id"`
	AnalyzerID   string `json:"analyzer_id"`
	Organization string `json:"organization"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
}
