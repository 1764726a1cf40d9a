package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jorson-chen/Cortex/internal/database"
	"github.com/jorson-chen/Cortex/internal/schema"
	"github.com/jorson-chen/Cortex/internal/storage"

	"github.com/stretchr/testify/assert"
)

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": "left",
		"nested": map[string]interface{}{
			"keep":     true,
			"override": "left",
		},
	}
	src := map[string]interface{}{
		"a": "right",
		"nested": map[string]interface{}{
			"override": "right",
		},
	}

	merged := deepMerge(dst, src)
	assert.Equal(t, "right", merged["a"])
	nested := merged["nested"].(map[string]interface{})
	assert.Equal(t, true, nested["keep"])
	assert.Equal(t, "right", nested["override"])

	// the inputs are untouched
	assert.Equal(t, "left", dst["a"])
}

func TestCoerceItem(t *testing.T) {
	tests := []struct {
		item  schema.ConfigurationItem
		value interface{}
		want  interface{}
		fails bool
	}{
		{schema.ConfigurationItem{Name: "k", Type: "string"}, "v", "v", false},
		{schema.ConfigurationItem{Name: "k", Type: "string"}, float64(1), nil, true},
		{schema.ConfigurationItem{Name: "k", Type: "number"}, float64(3), float64(3), false},
		{schema.ConfigurationItem{Name: "k", Type: "number"}, "3.5", 3.5, false},
		{schema.ConfigurationItem{Name: "k", Type: "number"}, "NaN?no", nil, true},
		{schema.ConfigurationItem{Name: "k", Type: "boolean"}, true, true, false},
		{schema.ConfigurationItem{Name: "k", Type: "boolean"}, "true", true, false},
		{schema.ConfigurationItem{Name: "k", Type: "boolean"}, "sure", nil, true},
		{schema.ConfigurationItem{Name: "k", Type: "string", Multi: true}, []interface{}{"a", "b"}, []interface{}{"a", "b"}, false},
		{schema.ConfigurationItem{Name: "k", Type: "string", Multi: true}, "a", nil, true},
	}

	for _, tc := range tests {
		got, err := coerceItem(tc.item, tc.value)
		if tc.fails {
			assert.Error(t, err, "value %v should not coerce to %s", tc.value, tc.item.Type)

			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestValidateConfig(t *testing.T) {
	items := []schema.ConfigurationItem{
		{Name: "api_key", Type: "string", Required: true},
		{Name: "limit", Type: "number", DefaultValue: float64(10)},
	}

	validated, err := validateConfig(map[string]interface{}{"api_key": "secret"}, items)
	assert.NoError(t, err)
	assert.Equal(t, "secret", validated["api_key"])
	assert.Equal(t, float64(10), validated["limit"])
	// the global base schema contributes its defaults too
	assert.Equal(t, true, validated["auto_extract_artifacts"])
}

func TestValidateConfigAccumulates(t *testing.T) {
	items := []schema.ConfigurationItem{
		{Name: "api_key", Type: "string", Required: true},
		{Name: "limit", Type: "number"},
	}

	_, err := validateConfig(map[string]interface{}{"limit": "plenty"}, items)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.Contains(t, err.Error(), "limit")
}

func TestBuildInputData(t *testing.T) {
	service := testService(t)

	job := &database.Job{
		DataType:   "ip",
		Data:       "1.2.3.4",
		Message:    "hello",
		Parameters: `{"limit":5}`,
	}
	definition := schema.AnalyzerDefinition{
		Name:               "echo",
		ConfigurationItems: []schema.ConfigurationItem{{Name: "limit", Type: "number"}},
		Configuration:      map[string]interface{}{"shipped": "default"},
	}

	input, cleanup, err := service.buildInput(job, definition, map[string]interface{}{"api_url": "https://api"})
	defer cleanup()
	assert.NoError(t, err)
	assert.Equal(t, "1.2.3.4", input.Data)
	assert.Equal(t, "", input.File)
	assert.Equal(t, "ip", input.DataType)
	assert.Equal(t, "hello", input.Message)
	assert.Equal(t, float64(5), input.Config["limit"], "job parameters win over analyzer config")
	assert.Equal(t, "https://api", input.Config["api_url"])
	assert.Equal(t, "default", input.Config["shipped"])
}

func TestBuildInputAttachment(t *testing.T) {
	service := testService(t)

	// place the blob in the attachment area
	location := service.Conf.Attachments.Posix.Location
	assert.NoError(t, os.WriteFile(filepath.Join(location, "blob-1"), []byte("content"), 0600))

	job := &database.Job{
		DataType:   "file",
		Parameters: "{}",
		Attachment: &database.Attachment{ID: "blob-1", Name: "sample.bin", ContentType: "text/plain", Size: 7},
	}

	input, cleanup, err := service.buildInput(job, schema.AnalyzerDefinition{Name: "echo"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "", input.Data)
	assert.Equal(t, "sample.bin", input.Filename)
	assert.Equal(t, "text/plain", input.ContentType)

	content, err := os.ReadFile(input.File)
	assert.NoError(t, err)
	assert.Equal(t, "content", string(content))

	cleanup()
	_, err = os.Stat(input.File)
	assert.True(t, os.IsNotExist(err), "cleanup must remove the temporary file")
}

func TestBuildInputMissingBlobFailsBeforeSpawn(t *testing.T) {
	service := testService(t)

	job := &database.Job{
		DataType:   "file",
		Parameters: "{}",
		Attachment: &database.Attachment{ID: "no-such-blob"},
	}

	_, cleanup, err := service.buildInput(job, schema.AnalyzerDefinition{Name: "echo"}, nil)
	defer cleanup()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-blob")
}

// testService wires a Service against a posix attachment area in a temp dir
// and no database. Tests that hit the database build their own.
func testService(t *testing.T) *Service {
	t.Helper()

	conf := testConf(t)
	backend, err := storage.NewBackend(conf.Attachments)
	assert.NoError(t, err)

	return NewService(conf, nil, backend, nil, nil, StaticUsers{"user1": "org1"})
}
