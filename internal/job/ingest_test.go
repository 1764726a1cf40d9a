package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Both artifact spellings must normalise to the same stored shape.
func TestNormaliseArtifactKeys(t *testing.T) {
	legacy := normaliseArtifact("report-1", map[string]interface{}{
		"type":  "domain",
		"value": "x.example",
	})
	modern := normaliseArtifact("report-1", map[string]interface{}{
		"dataType": "domain",
		"data":     "x.example",
	})

	assert.Equal(t, legacy, modern)
	assert.Equal(t, "domain", legacy.DataType)
	assert.Equal(t, "x.example", legacy.Data)
}

func TestNormaliseArtifactModernKeysWin(t *testing.T) {
	artifact := normaliseArtifact("report-1", map[string]interface{}{
		"dataType": "ip",
		"type":     "domain",
		"data":     "1.2.3.4",
		"value":    "x.example",
	})

	assert.Equal(t, "ip", artifact.DataType)
	assert.Equal(t, "1.2.3.4", artifact.Data)
}

func TestNormaliseArtifactAttachment(t *testing.T) {
	artifact := normaliseArtifact("report-1", map[string]interface{}{
		"type": "file",
		"attachment": map[string]interface{}{
			"id":   "blob-2",
			"name": "dropped.exe",
		},
	})

	assert.Equal(t, "file", artifact.DataType)
	if assert.NotNil(t, artifact.Attachment) {
		assert.Equal(t, "blob-2", artifact.Attachment.ID)
	}
}

func TestInvalidOutputMessageTruncates(t *testing.T) {
	result := RunResult{
		Stdout: []byte(strings.Repeat("o", 6000)),
		Stderr: []byte(strings.Repeat("e", 6000)),
	}

	message := invalidOutputMessage(result)
	assert.True(t, strings.HasPrefix(message, "Invalid output\n"))
	assert.Len(t, message, len("Invalid output\n")+invalidOutputLimit)
	// stderr comes first in the diagnostic
	assert.Equal(t, byte('e'), message[len("Invalid output\n")])
}
