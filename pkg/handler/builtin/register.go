// Package builtin provides the handlers for the built-in node types.
package builtin

import (
	"fmt"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

// RegisterAll registers every built-in handler on the registry.
func RegisterAll(r *handler.Registry) error {
	regs := []struct {
		t        models.NodeType
		schema   string
		h        handler.Handler
		services []handler.Service
	}{
		{models.NodeTypeStart, startSchema, handler.Func(executeStart), nil},
		{models.NodeTypeEndpoint, endpointSchema, handler.Func(executeEndpoint), nil},
		{models.NodeTypeCondition, conditionSchema, handler.Func(executeCondition), nil},
		{models.NodeTypePersonJob, personJobSchema, handler.Func(executePersonJob),
			[]handler.Service{handler.ServiceLLM, handler.ServiceConversation}},
		{models.NodeTypeCodeJob, codeJobSchema, handler.Func(executeCodeJob), nil},
		{models.NodeTypeAPIJob, apiJobSchema, handler.Func(executeAPIJob),
			[]handler.Service{handler.ServiceHTTP}},
		{models.NodeTypeDB, dbSchema, handler.Func(executeDB),
			[]handler.Service{handler.ServiceFiles}},
		{models.NodeTypeUserResponse, userResponseSchema, handler.Func(executeUserResponse),
			[]handler.Service{handler.ServicePrompts}},
		{models.NodeTypeSubDiagram, subDiagramSchema, handler.Func(executeSubDiagram),
			[]handler.Service{handler.ServiceSubExecutor}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.t, reg.schema, reg.h, reg.services...); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", reg.t, err)
		}
	}
	return nil
}
