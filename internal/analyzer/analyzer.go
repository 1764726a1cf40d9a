// Package analyzer loads and serves analyzer description files.
//
// A description file is a JSON document declaring how one analyzer is
// invoked: the executable path, its working directory, the data types it
// accepts and its configuration schema. The files are operator-controlled.
package analyzer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jorson-chen/Cortex/internal/schema"

	log "github.com/sirupsen/logrus"
)

// GlobalConfigurationItems is the base configuration schema shared by all
// analyzers, validated in union with each definition's own items.
var GlobalConfigurationItems = []schema.ConfigurationItem{
	{Name: "proxy_http", Type: "string"},
	{Name: "proxy_https", Type: "string"},
	{Name: "auto_extract_artifacts", Type: "boolean", DefaultValue: true},
}

// DefinitionStore holds the analyzer definitions found on disk, keyed by
// definition id (the name declared in the description file).
type DefinitionStore struct {
	definitions map[string]schema.AnalyzerDefinition
}

// LoadDefinitions scans the given directories for description files and
// validates each against the analyzer-definition schema. Invalid files are
// skipped with a log entry, a broken description must not take the whole
// service down.
func LoadDefinitions(paths []string, schemasPath string) (*DefinitionStore, error) {
	store := &DefinitionStore{definitions: make(map[string]schema.AnalyzerDefinition)}

	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read analyzer path %s: %v", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			fileName := filepath.Join(dir, entry.Name())
			body, err := os.ReadFile(fileName)
			if err != nil {
				log.Errorf("failed to read analyzer definition %s, reason: (%s)", fileName, err.Error())

				continue
			}

			if err := schema.ValidateJSON(filepath.Join(schemasPath, "analyzer-definition.json"), body); err != nil {
				log.Errorf("validation of analyzer definition %s failed, reason: (%s)", fileName, err.Error())

				continue
			}

			definition, err := parseDefinition(body)
			if err != nil {
				log.Errorf("failed to parse analyzer definition %s, reason: (%s)", fileName, err.Error())

				continue
			}

			if _, ok := store.definitions[definition.Name]; ok {
				log.Warnf("duplicate analyzer definition %s, keeping the first one", definition.Name)

				continue
			}

			// relative commands resolve against the directory of the
			// description file
			if !filepath.IsAbs(definition.Command) {
				definition.Command = filepath.Join(dir, definition.Command)
			}
			if definition.BaseDirectory == "" {
				definition.BaseDirectory = dir
			}

			store.definitions[definition.Name] = definition
			log.Debugf("loaded analyzer definition %s from %s", definition.Name, fileName)
		}
	}

	log.Infof("loaded %d analyzer definitions", len(store.definitions))

	return store, nil
}

func parseDefinition(body []byte) (schema.AnalyzerDefinition, error) {
	var definition schema.AnalyzerDefinition
	if err := json.Unmarshal(body, &definition); err != nil {
		return schema.AnalyzerDefinition{}, err
	}

	return definition, nil
}

// Get returns the definition with the given id.
func (store *DefinitionStore) Get(id string) (schema.AnalyzerDefinition, error) {
	definition, ok := store.definitions[id]
	if !ok {
		return schema.AnalyzerDefinition{}, fmt.Errorf("analyzer definition %s not found", id)
	}

	return definition, nil
}

// List returns all loaded definitions.
func (store *DefinitionStore) List() []schema.AnalyzerDefinition {
	definitions := make([]schema.AnalyzerDefinition, 0, len(store.definitions))
	for _, definition := range store.definitions {
		definitions = append(definitions, definition)
	}

	return definitions
}
