package models

import (
	"fmt"
	"sort"
	"time"
)

// NodeType enumerates the closed set of executable node kinds.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeEndpoint     NodeType = "endpoint"
	NodeTypeCondition    NodeType = "condition"
	NodeTypePersonJob    NodeType = "person_job"
	NodeTypeCodeJob      NodeType = "code_job"
	NodeTypeAPIJob       NodeType = "api_job"
	NodeTypeDB           NodeType = "db"
	NodeTypeUserResponse NodeType = "user_response"
	NodeTypeSubDiagram   NodeType = "sub_diagram"
)

// ContentType describes the payload kind carried on an edge.
type ContentType string

const (
	ContentTypeRawText           ContentType = "raw_text"
	ContentTypeObject            ContentType = "object"
	ContentTypeConversationState ContentType = "conversation_state"
)

// Well-known node ports. Envelopes are addressed to ports, not to edges;
// routing from ports onto edges is done by the token manager.
const (
	PortDefault   = "default"
	PortCondTrue  = "condtrue"
	PortCondFalse = "condfalse"
	PortFirst     = "first"
)

// ErrorMode controls how a node failure affects the execution.
type ErrorMode string

const (
	// ErrorModeAbort fails the execution when the node fails (default).
	ErrorModeAbort ErrorMode = "abort"
	// ErrorModeContinue drops the node's outputs and treats its downstream
	// edges as absent.
	ErrorModeContinue ErrorMode = "continue"
)

// JoinPolicyKind enumerates readiness predicates over a node's inbound edges.
type JoinPolicyKind string

const (
	JoinAll   JoinPolicyKind = "all"
	JoinAny   JoinPolicyKind = "any"
	JoinFirst JoinPolicyKind = "first"
	JoinKOfN  JoinPolicyKind = "k_of_n"
)

// JoinPolicy is the readiness predicate for a node. K is only meaningful for
// JoinKOfN.
type JoinPolicy struct {
	Kind JoinPolicyKind `yaml:"policy" json:"policy"`
	K    int            `yaml:"k,omitempty" json:"k,omitempty"`
}

// Node is a single typed vertex of a compiled diagram. Config carries the
// handler-specific settings and is validated against the handler's schema at
// load time. The lifted fields (Timeout, MaxIterations, ...) are the subset
// the engine itself interprets.
type Node struct {
	ID     NodeID         `yaml:"id" json:"id"`
	Type   NodeType       `yaml:"type" json:"type"`
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Timeout bounds a single handler invocation. Zero means engine default.
	Timeout time.Duration `yaml:"-" json:"-"`
	// MaxIterations caps executions of this node per execution. Zero means
	// engine default.
	MaxIterations int `yaml:"-" json:"-"`
	// OnError selects abort (default) or continue semantics on failure.
	OnError ErrorMode `yaml:"-" json:"-"`
	// Skippable marks a condition node whose unpublished branch may be
	// ignored by consumers that have other sources.
	Skippable bool `yaml:"-" json:"-"`
	// Join overrides the derived join policy when non-nil.
	Join *JoinPolicy `yaml:"-" json:"-"`
	// Retry overrides the engine's default retry policy when non-nil.
	Retry *RetryPolicy `yaml:"-" json:"-"`
}

// Edge is a directed, typed connection between two node handles.
type Edge struct {
	ID           ArrowID     `yaml:"id" json:"id"`
	Source       NodeID      `yaml:"source" json:"source"`
	SourceOutput string      `yaml:"source_output,omitempty" json:"source_output,omitempty"`
	Target       NodeID      `yaml:"target" json:"target"`
	TargetInput  string      `yaml:"target_input,omitempty" json:"target_input,omitempty"`
	ContentType  ContentType `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	Label        string      `yaml:"label,omitempty" json:"label,omitempty"`
	// Transform is an optional expression applied to the envelope body as it
	// is routed onto this edge.
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Person is a configured LLM agent definition.
type Person struct {
	Label        string   `yaml:"label,omitempty" json:"label,omitempty"`
	Service      string   `yaml:"service" json:"service"`
	Model        string   `yaml:"model" json:"model"`
	APIKeyID     APIKeyID `yaml:"api_key_id,omitempty" json:"api_key_id,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// Diagram is a compiled, read-only diagram. Cross-references between nodes and
// edges are IDs; the index maps are built once by Finalize.
type Diagram struct {
	ID        DiagramID            `yaml:"id,omitempty" json:"id,omitempty"`
	Nodes     []*Node              `yaml:"nodes" json:"nodes"`
	Edges     []*Edge              `yaml:"edges,omitempty" json:"edges,omitempty"`
	Persons   map[PersonID]*Person `yaml:"persons,omitempty" json:"persons,omitempty"`
	Variables map[string]any       `yaml:"variables,omitempty" json:"variables,omitempty"`

	nodeByID  map[NodeID]*Node
	edgeByID  map[ArrowID]*Edge
	incoming  map[NodeID][]*Edge
	outgoing  map[NodeID][]*Edge
	topoIndex map[NodeID]int
}

// Finalize builds the lookup indexes and the deterministic topological order.
// It must be called once after construction and before execution; the loader
// does this as part of Load.
func (d *Diagram) Finalize() error {
	d.nodeByID = make(map[NodeID]*Node, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, dup := d.nodeByID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		d.nodeByID[n.ID] = n
	}

	d.edgeByID = make(map[ArrowID]*Edge, len(d.Edges))
	d.incoming = make(map[NodeID][]*Edge)
	d.outgoing = make(map[NodeID][]*Edge)
	for _, e := range d.Edges {
		if _, dup := d.edgeByID[e.ID]; dup {
			return fmt.Errorf("duplicate edge id %q", e.ID)
		}
		if e.SourceOutput == "" {
			e.SourceOutput = PortDefault
		}
		if e.TargetInput == "" {
			e.TargetInput = PortDefault
		}
		if e.ContentType == "" {
			e.ContentType = ContentTypeRawText
		}
		d.edgeByID[e.ID] = e
		d.outgoing[e.Source] = append(d.outgoing[e.Source], e)
		d.incoming[e.Target] = append(d.incoming[e.Target], e)
	}

	d.buildTopoIndex()
	return nil
}

// buildTopoIndex assigns each node a deterministic topological index via
// Kahn's algorithm with ID tie-breaking. Diagrams may be cyclic: when the
// frontier runs dry with nodes remaining, the cycle is broken at a node
// already fed by the ordered prefix, so loop entry points sort before the
// edges that re-enter them and IsBackEdge stays meaningful.
func (d *Diagram) buildTopoIndex() {
	inDegree := make(map[NodeID]int, len(d.Nodes))
	for _, n := range d.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		if _, ok := inDegree[e.Target]; ok {
			inDegree[e.Target]++
		}
	}

	var frontier []NodeID
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortNodeIDs(frontier)

	d.topoIndex = make(map[NodeID]int, len(d.Nodes))
	next := 0
	for next < len(d.Nodes) {
		if len(frontier) == 0 {
			id, ok := d.cycleEntry()
			if !ok {
				break
			}
			frontier = append(frontier, id)
		}
		id := frontier[0]
		frontier = frontier[1:]
		if _, done := d.topoIndex[id]; done {
			continue
		}
		d.topoIndex[id] = next
		next++
		var released []NodeID
		for _, e := range d.outgoing[id] {
			if _, done := d.topoIndex[e.Target]; done {
				continue
			}
			inDegree[e.Target]--
			if inDegree[e.Target] <= 0 {
				released = append(released, e.Target)
			}
		}
		sortNodeIDs(released)
		frontier = append(frontier, released...)
	}
}

// cycleEntry picks the node to break a cycle at: an unordered node fed by an
// already-ordered one (falling back to any unordered node), smallest ID first.
func (d *Diagram) cycleEntry() (NodeID, bool) {
	var fed, any []NodeID
	for _, n := range d.Nodes {
		if _, done := d.topoIndex[n.ID]; done {
			continue
		}
		any = append(any, n.ID)
		for _, e := range d.incoming[n.ID] {
			if _, done := d.topoIndex[e.Source]; done {
				fed = append(fed, n.ID)
				break
			}
		}
	}
	if len(fed) > 0 {
		sortNodeIDs(fed)
		return fed[0], true
	}
	if len(any) > 0 {
		sortNodeIDs(any)
		return any[0], true
	}
	return "", false
}

func sortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// NodeByID returns the node with the given ID, or nil.
func (d *Diagram) NodeByID(id NodeID) *Node { return d.nodeByID[id] }

// EdgeByID returns the edge with the given ID, or nil.
func (d *Diagram) EdgeByID(id ArrowID) *Edge { return d.edgeByID[id] }

// Incoming returns the inbound edges of a node in declaration order.
func (d *Diagram) Incoming(id NodeID) []*Edge { return d.incoming[id] }

// Outgoing returns the outbound edges of a node in declaration order.
func (d *Diagram) Outgoing(id NodeID) []*Edge { return d.outgoing[id] }

// TopoIndex returns the deterministic topological index of a node.
func (d *Diagram) TopoIndex(id NodeID) int { return d.topoIndex[id] }

// StartNodes returns all start nodes in topological order.
func (d *Diagram) StartNodes() []*Node { return d.nodesOfType(NodeTypeStart) }

// EndpointNodes returns all endpoint nodes in topological order.
func (d *Diagram) EndpointNodes() []*Node { return d.nodesOfType(NodeTypeEndpoint) }

func (d *Diagram) nodesOfType(t NodeType) []*Node {
	var out []*Node
	for _, n := range d.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.topoIndex[out[i].ID] < d.topoIndex[out[j].ID] })
	return out
}

// Person returns the person definition for the given ID, or nil.
func (d *Diagram) Person(id PersonID) *Person {
	if d.Persons == nil {
		return nil
	}
	return d.Persons[id]
}

// IsBackEdge reports whether the edge points against topological order, i.e.
// re-enters a cyclic region. Token emission on back edges advances the epoch.
func (d *Diagram) IsBackEdge(e *Edge) bool {
	return d.topoIndex[e.Target] <= d.topoIndex[e.Source]
}

// JoinPolicyOf derives the effective join policy of a node. An explicit
// override wins; a person_job with a "first" input joins on any inbound token
// (the first-prompt handle fires it before its loop edge has produced);
// everything else joins on all inbound edges, which is also the safe default
// for unknown policies.
func (d *Diagram) JoinPolicyOf(n *Node) JoinPolicy {
	if n.Join != nil {
		return *n.Join
	}
	if n.Type == NodeTypePersonJob {
		for _, e := range d.incoming[n.ID] {
			if e.TargetInput == PortFirst {
				return JoinPolicy{Kind: JoinAny}
			}
		}
	}
	return JoinPolicy{Kind: JoinAll}
}

// ProducesOutput reports whether the node type normally publishes an envelope.
// Used when skipping a node: skipped producers publish a synthetic empty
// envelope so downstream joins are not starved.
func ProducesOutput(t NodeType) bool {
	return t != NodeTypeEndpoint
}
