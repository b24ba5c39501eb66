package handler

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dipeo/dipeo/pkg/models"
)

// Registration binds a node type to its handler, config schema and required
// services.
type Registration struct {
	Type     models.NodeType
	Handler  Handler
	Schema   *jsonschema.Schema
	Services []Service
}

// Registry resolves node types to handlers. Configs are validated against the
// registered JSON schema at diagram-validation time, so handlers can trust
// their config shape.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.NodeType]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.NodeType]*Registration)}
}

// Register adds a handler for a node type. schemaJSON is a JSON Schema
// document for the node's config; empty means any config is accepted.
func (r *Registry) Register(nodeType models.NodeType, schemaJSON string, h Handler, services ...Service) error {
	var schema *jsonschema.Schema
	if schemaJSON != "" {
		compiled, err := jsonschema.CompileString(string(nodeType)+".schema.json", schemaJSON)
		if err != nil {
			return fmt.Errorf("failed to compile schema for %s: %w", nodeType, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[nodeType]; dup {
		return fmt.Errorf("handler already registered for %s", nodeType)
	}
	r.handlers[nodeType] = &Registration{
		Type:     nodeType,
		Handler:  h,
		Schema:   schema,
		Services: services,
	}
	return nil
}

// Get returns the registration for a node type.
func (r *Registry) Get(nodeType models.NodeType) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[nodeType]
	return reg, ok
}

// Types returns all registered node types.
func (r *Registry) Types() []models.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// ValidateNode checks that the node's type is registered and its config
// matches the handler's schema.
func (r *Registry) ValidateNode(node *models.Node) error {
	reg, ok := r.Get(node.Type)
	if !ok {
		return models.NewError(models.KindValidation, "no handler registered for node type %q", node.Type)
	}
	if reg.Schema == nil {
		return nil
	}

	// Round-trip through JSON so YAML-decoded configs validate identically
	// to JSON-decoded ones.
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return models.NewError(models.KindValidation, "config of node %s is not serializable: %v", node.ID, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.NewError(models.KindValidation, "config of node %s: %v", node.ID, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := reg.Schema.Validate(doc); err != nil {
		return models.NewError(models.KindValidation, "config of node %s: %v", node.ID, err)
	}
	return nil
}

// ValidateDiagram validates every node config in the diagram.
func (r *Registry) ValidateDiagram(d *models.Diagram) error {
	for _, n := range d.Nodes {
		if err := r.ValidateNode(n); err != nil {
			return err
		}
	}
	return nil
}
