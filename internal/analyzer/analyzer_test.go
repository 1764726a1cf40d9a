package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const schemasPath = "../../schemas"

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "geoip.json", `{
		"name": "MaxMind_GeoIP",
		"version": "3.0",
		"dataTypeList": ["ip"],
		"command": "MaxMind/geoip.py",
		"configurationItems": [{"name": "api_key", "type": "string", "required": true}],
		"configuration": {"endpoint": "https://geoip.maxmind.com"}
	}`)
	writeFile(t, dir, "notes.txt", "not a definition")

	store, err := LoadDefinitions([]string{dir}, schemasPath)
	assert.NoError(t, err)
	assert.Len(t, store.List(), 1)

	definition, err := store.Get("MaxMind_GeoIP")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ip"}, definition.DataTypeList)
	// relative commands resolve against the definition directory
	assert.Equal(t, filepath.Join(dir, "MaxMind/geoip.py"), definition.Command)
	assert.Equal(t, dir, definition.BaseDirectory)
	assert.Equal(t, "https://geoip.maxmind.com", definition.Configuration["endpoint"])
}

func TestLoadDefinitionsSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.json", `{"name": "ok", "dataTypeList": ["ip"], "command": "/usr/bin/true"}`)
	writeFile(t, dir, "no-command.json", `{"name": "broken", "dataTypeList": ["ip"]}`)
	writeFile(t, dir, "garbage.json", `{{{`)

	store, err := LoadDefinitions([]string{dir}, schemasPath)
	assert.NoError(t, err, "a broken description must not take the service down")
	assert.Len(t, store.List(), 1)

	_, err = store.Get("broken")
	assert.Error(t, err)
}

func TestLoadDefinitionsKeepsFirstDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"name": "dup", "dataTypeList": ["ip"], "command": "/usr/bin/true", "version": "1"}`)
	writeFile(t, dir, "b.json", `{"name": "dup", "dataTypeList": ["ip"], "command": "/usr/bin/false", "version": "2"}`)

	store, err := LoadDefinitions([]string{dir}, schemasPath)
	assert.NoError(t, err)
	assert.Len(t, store.List(), 1)

	definition, err := store.Get("dup")
	assert.NoError(t, err)
	assert.Equal(t, "1", definition.Version)
}

func TestLoadDefinitionsAbsoluteCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "abs.json", `{"name": "abs", "dataTypeList": ["ip"], "command": "/opt/analyzers/run.sh", "baseDirectory": "/opt/analyzers"}`)

	store, err := LoadDefinitions([]string{dir}, schemasPath)
	assert.NoError(t, err)

	definition, err := store.Get("abs")
	assert.NoError(t, err)
	assert.Equal(t, "/opt/analyzers/run.sh", definition.Command)
	assert.Equal(t, "/opt/analyzers", definition.BaseDirectory)
}

func TestLoadDefinitionsMissingPath(t *testing.T) {
	_, err := LoadDefinitions([]string{"/does/not/exist"}, schemasPath)
	assert.Error(t, err)
}

func TestGetUnknownDefinition(t *testing.T) {
	store, err := LoadDefinitions(nil, schemasPath)
	assert.NoError(t, err)

	_, err = store.Get("ghost")
	assert.Error(t, err)
}
