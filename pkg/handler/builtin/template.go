package builtin

import (
	"fmt"
	"regexp"

	"github.com/dipeo/dipeo/pkg/handler"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// interpolate substitutes {name} placeholders from values. Unknown
// placeholders are left untouched so prompts can contain literal braces.
func interpolate(s string, values map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := values[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

// scope builds the value map visible to expressions and templates: variables
// first, then input bodies keyed by port (inputs shadow variables on
// collision), plus the raw maps under "vars" and "inputs".
func scope(hc *handler.Context, inputs handler.Inputs) map[string]any {
	vars := hc.Variables.Snapshot()
	inputBodies := make(map[string]any, len(inputs))
	out := make(map[string]any, len(vars)+len(inputs)+3)
	for k, v := range vars {
		out[k] = v
	}
	for port, env := range inputs {
		if env == nil {
			continue
		}
		inputBodies[port] = env.Body
		out[port] = env.Body
	}
	out["vars"] = vars
	out["inputs"] = inputBodies
	out["exec_count"] = hc.ExecCount
	return out
}
