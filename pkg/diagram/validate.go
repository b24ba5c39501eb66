package diagram

import (
	"fmt"
	"strings"

	"github.com/dipeo/dipeo/pkg/models"
)

var validContentTypes = map[models.ContentType]bool{
	models.ContentTypeRawText:           true,
	models.ContentTypeObject:            true,
	models.ContentTypeConversationState: true,
}

var validNodeTypes = map[models.NodeType]bool{
	models.NodeTypeStart:        true,
	models.NodeTypeEndpoint:     true,
	models.NodeTypeCondition:    true,
	models.NodeTypePersonJob:    true,
	models.NodeTypeCodeJob:      true,
	models.NodeTypeAPIJob:       true,
	models.NodeTypeDB:           true,
	models.NodeTypeUserResponse: true,
	models.NodeTypeSubDiagram:   true,
}

// Validate checks structural invariants of a finalized diagram. All problems
// are collected so a diagram author sees every error at once.
func Validate(d *models.Diagram) error {
	var problems []string

	if len(d.StartNodes()) == 0 {
		problems = append(problems, "diagram has no start node")
	}

	for _, n := range d.Nodes {
		if !validNodeTypes[n.Type] {
			problems = append(problems, fmt.Sprintf("node %s: unknown type %q", n.ID, n.Type))
		}
		switch n.Type {
		case models.NodeTypeStart:
			if len(d.Incoming(n.ID)) > 0 {
				problems = append(problems, fmt.Sprintf("start node %s has inbound edges", n.ID))
			}
		case models.NodeTypeEndpoint:
			if len(d.Outgoing(n.ID)) > 0 {
				problems = append(problems, fmt.Sprintf("endpoint node %s has outbound edges", n.ID))
			}
		case models.NodeTypePersonJob:
			person, _ := n.Config["person"].(string)
			if person == "" {
				problems = append(problems, fmt.Sprintf("person_job %s: missing person", n.ID))
			} else if d.Person(models.PersonID(person)) == nil {
				problems = append(problems, fmt.Sprintf("person_job %s: unknown person %q", n.ID, person))
			}
		}
		if n.Join != nil && n.Join.Kind == models.JoinKOfN && n.Join.K < 1 {
			problems = append(problems, fmt.Sprintf("node %s: k_of_n join requires k >= 1", n.ID))
		}
	}

	for _, e := range d.Edges {
		src := d.NodeByID(e.Source)
		if src == nil {
			problems = append(problems, fmt.Sprintf("edge %s: unknown source node %q", e.ID, e.Source))
		}
		if d.NodeByID(e.Target) == nil {
			problems = append(problems, fmt.Sprintf("edge %s: unknown target node %q", e.ID, e.Target))
		}
		if !validContentTypes[e.ContentType] {
			problems = append(problems, fmt.Sprintf("edge %s: unknown content type %q", e.ID, e.ContentType))
		}
		if src != nil && src.Type != models.NodeTypeCondition &&
			(e.SourceOutput == models.PortCondTrue || e.SourceOutput == models.PortCondFalse) {
			problems = append(problems, fmt.Sprintf("edge %s: port %q requires a condition source", e.ID, e.SourceOutput))
		}
	}

	if len(problems) > 0 {
		return models.NewError(models.KindValidation, "invalid diagram: %s", strings.Join(problems, "; "))
	}
	return nil
}
