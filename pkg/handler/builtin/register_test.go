package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

func TestRegisterAllCoversEveryNodeType(t *testing.T) {
	r := handler.NewRegistry()
	require.NoError(t, RegisterAll(r))

	for _, nt := range []models.NodeType{
		models.NodeTypeStart,
		models.NodeTypeEndpoint,
		models.NodeTypeCondition,
		models.NodeTypePersonJob,
		models.NodeTypeCodeJob,
		models.NodeTypeAPIJob,
		models.NodeTypeDB,
		models.NodeTypeUserResponse,
		models.NodeTypeSubDiagram,
	} {
		_, ok := r.Get(nt)
		assert.True(t, ok, "missing handler for %s", nt)
	}
}

func TestRegisterAllTwiceFails(t *testing.T) {
	r := handler.NewRegistry()
	require.NoError(t, RegisterAll(r))
	assert.Error(t, RegisterAll(r))
}

func TestSchemaRejectsBadConfig(t *testing.T) {
	r := handler.NewRegistry()
	require.NoError(t, RegisterAll(r))

	tests := []struct {
		name string
		node *models.Node
		ok   bool
	}{
		{"code_job valid", &models.Node{ID: "n", Type: models.NodeTypeCodeJob,
			Config: map[string]any{"code": "1"}}, true},
		{"code_job missing code", &models.Node{ID: "n", Type: models.NodeTypeCodeJob,
			Config: map[string]any{}}, false},
		{"db bad operation", &models.Node{ID: "n", Type: models.NodeTypeDB,
			Config: map[string]any{"operation": "truncate", "path": "x"}}, false},
		{"api_job bad method", &models.Node{ID: "n", Type: models.NodeTypeAPIJob,
			Config: map[string]any{"url": "http://x", "method": "TELEPORT"}}, false},
		{"person_job missing person", &models.Node{ID: "n", Type: models.NodeTypePersonJob,
			Config: map[string]any{}}, false},
		{"start no config", &models.Node{ID: "n", Type: models.NodeTypeStart}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateNode(tt.node)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, models.KindValidation, models.Classify(err))
			}
		})
	}
}
