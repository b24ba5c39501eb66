// Package diagram loads the light YAML diagram format and compiles it into an
// executable models.Diagram.
package diagram

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dipeo/dipeo/pkg/models"
)

// Load reads and compiles a diagram file.
func Load(path string) (*models.Diagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.WrapError(models.KindNotFound, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading diagram %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes YAML diagram source and compiles it.
func Parse(data []byte) (*models.Diagram, error) {
	var d models.Diagram
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, models.WrapError(models.KindValidation, err)
	}
	if err := Prepare(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Prepare lifts engine-interpreted config keys into their typed node fields,
// builds the diagram indexes and validates structure. It is idempotent and is
// also used for diagrams constructed in memory (inline sub-diagrams).
func Prepare(d *models.Diagram) error {
	for _, n := range d.Nodes {
		liftNodeConfig(n)
	}
	if err := d.Finalize(); err != nil {
		return models.WrapError(models.KindValidation, err)
	}
	return Validate(d)
}

// liftNodeConfig copies the engine-level settings out of the free-form config
// map. The keys stay in Config so handler schemas can still see them.
func liftNodeConfig(n *models.Node) {
	if n.Config == nil {
		return
	}
	// For user_response nodes timeout_s is the prompt timeout, interpreted by
	// the handler itself; lifting it would cancel the handler at the same
	// moment the prompt resolves empty.
	if n.Type != models.NodeTypeUserResponse {
		if v, ok := configFloat(n.Config["timeout_s"]); ok && v > 0 {
			n.Timeout = time.Duration(v * float64(time.Second))
		}
	}
	if v, ok := configInt(n.Config["max_iterations"]); ok && v > 0 {
		n.MaxIterations = v
	}
	if v, ok := n.Config["on_error"].(string); ok {
		n.OnError = models.ErrorMode(v)
	}
	if v, ok := n.Config["skippable"].(bool); ok {
		n.Skippable = v
	}
	if raw, ok := n.Config["join"].(map[string]any); ok {
		jp := models.JoinPolicy{Kind: models.JoinAll}
		if kind, ok := raw["policy"].(string); ok {
			jp.Kind = models.JoinPolicyKind(kind)
		}
		if k, ok := configInt(raw["k"]); ok {
			jp.K = k
		}
		n.Join = &jp
	}
	if raw, ok := n.Config["retry"].(map[string]any); ok {
		rp := models.DefaultRetryPolicy()
		if v, ok := configInt(raw["max_attempts"]); ok {
			rp.MaxAttempts = v
		}
		if v, ok := configFloat(raw["initial_delay_s"]); ok {
			rp.InitialDelay = time.Duration(v * float64(time.Second))
		}
		if v, ok := configFloat(raw["max_delay_s"]); ok {
			rp.MaxDelay = time.Duration(v * float64(time.Second))
		}
		if v, ok := raw["strategy"].(string); ok {
			rp.Strategy = models.RetryStrategy(v)
		}
		if v, ok := configFloat(raw["backoff_factor"]); ok {
			rp.BackoffFactor = v
		}
		if v, ok := raw["jitter"].(bool); ok {
			rp.Jitter = v
		}
		n.Retry = &rp
	}
}

func configInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func configFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
