package flow

import (
	"fmt"
	"sort"
)

// RoutingPolicy decides which consumer instance receives an item.
type RoutingPolicy int

const (
	// RoutingUnicast sends each item to one consumer instance, round robin
	// over the instances with free capacity.
	RoutingUnicast RoutingPolicy = iota
	// RoutingBroadcast sends each item to every consumer instance.
	RoutingBroadcast
	// RoutingPartitioned sends all items with the same key to the same
	// consumer instance.
	RoutingPartitioned
	// RoutingIsolated connects producer instance i to consumer instance i
	// only. Both vertices must have the same parallelism.
	RoutingIsolated
)

func (r RoutingPolicy) String() string {
	switch r {
	case RoutingUnicast:
		return "unicast"
	case RoutingBroadcast:
		return "broadcast"
	case RoutingPartitioned:
		return "partitioned"
	case RoutingIsolated:
		return "isolated"
	}
	return fmt.Sprintf("RoutingPolicy(%d)", int(r))
}

// Vertex is a stage of the graph. Parallelism is the number of processor
// instances; zero or less means one per cooperative worker.
type Vertex struct {
	Name        string
	Parallelism int
	Supplier    ProcessorSupplier
}

// Edge connects an output ordinal of one vertex to an input ordinal of
// another.
type Edge struct {
	From        string
	FromOrdinal int
	To          string
	ToOrdinal   int

	// Capacity of each queue on the edge; zero uses the engine default.
	Capacity int
	Routing  RoutingPolicy
	KeyFn    func(item any) string

	// Priority orders the consumer's inputs: an edge is read only after
	// every edge with a lower priority value is exhausted.
	Priority int

	// Distributed marks an edge that may cross members. Execution is
	// single-member, so the flag is recorded but routing is local.
	Distributed bool
}

// EdgeOption configures an edge.
type EdgeOption func(*Edge)

// FromOrdinal sets the producer's output ordinal.
func FromOrdinal(n int) EdgeOption { return func(e *Edge) { e.FromOrdinal = n } }

// ToOrdinal sets the consumer's input ordinal.
func ToOrdinal(n int) EdgeOption { return func(e *Edge) { e.ToOrdinal = n } }

// WithCapacity sets the capacity of each queue on the edge.
func WithCapacity(n int) EdgeOption { return func(e *Edge) { e.Capacity = n } }

// Broadcast delivers every item to all consumer instances.
func Broadcast() EdgeOption { return func(e *Edge) { e.Routing = RoutingBroadcast } }

// Partitioned routes items by the key keyFn extracts.
func Partitioned(keyFn func(item any) string) EdgeOption {
	return func(e *Edge) {
		e.Routing = RoutingPartitioned
		e.KeyFn = keyFn
	}
}

// Isolated connects instance i of the producer to instance i of the
// consumer.
func Isolated() EdgeOption { return func(e *Edge) { e.Routing = RoutingIsolated } }

// Distributed marks the edge as member-crossing.
func Distributed() EdgeOption { return func(e *Edge) { e.Distributed = true } }

// Priority sets the edge priority; lower values are consumed first.
func Priority(p int) EdgeOption { return func(e *Edge) { e.Priority = p } }

// DAG is a directed acyclic graph of vertices and edges.
//
// Example:
//
//	dag := flow.NewDAG()
//	_ = dag.AddVertex("source", 1, flow.NewSliceSource(items))
//	_ = dag.AddVertex("double", 4, flow.NewMap(func(n int) (int, error) { return n * 2, nil }))
//	_ = dag.AddVertex("sink", 1, flow.NewCollectSink(collector))
//	_ = dag.Connect("source", "double")
//	_ = dag.Connect("double", "sink")
type DAG struct {
	vertices []*Vertex
	byName   map[string]*Vertex
	edges    []*Edge
}

// NewDAG creates an empty graph.
func NewDAG() *DAG {
	return &DAG{byName: make(map[string]*Vertex)}
}

// AddVertex adds a vertex.
func (d *DAG) AddVertex(name string, parallelism int, supplier ProcessorSupplier) error {
	if name == "" {
		return &EngineError{Message: "vertex name cannot be empty", Code: "INVALID_VERTEX"}
	}
	if supplier == nil {
		return &EngineError{Message: "vertex supplier cannot be nil: " + name, Code: "INVALID_VERTEX"}
	}
	if _, exists := d.byName[name]; exists {
		return &EngineError{Message: "duplicate vertex name: " + name, Code: "DUPLICATE_VERTEX"}
	}
	v := &Vertex{Name: name, Parallelism: parallelism, Supplier: supplier}
	d.vertices = append(d.vertices, v)
	d.byName[name] = v
	return nil
}

// Connect adds an edge from one vertex to another.
func (d *DAG) Connect(from, to string, opts ...EdgeOption) error {
	if _, ok := d.byName[from]; !ok {
		return &EngineError{Message: "vertex does not exist: " + from, Code: "VERTEX_NOT_FOUND"}
	}
	if _, ok := d.byName[to]; !ok {
		return &EngineError{Message: "vertex does not exist: " + to, Code: "VERTEX_NOT_FOUND"}
	}
	if from == to {
		return &EngineError{Message: "self-loop on vertex " + from, Code: "CYCLE"}
	}
	e := &Edge{From: from, To: to}
	for _, opt := range opts {
		opt(e)
	}
	if e.Routing == RoutingPartitioned && e.KeyFn == nil {
		return &EngineError{Message: fmt.Sprintf("partitioned edge %s->%s needs a key function", from, to), Code: "INVALID_EDGE"}
	}
	if e.Capacity < 0 {
		return &EngineError{Message: fmt.Sprintf("edge %s->%s has negative capacity", from, to), Code: "INVALID_EDGE"}
	}
	d.edges = append(d.edges, e)
	return nil
}

// Vertex returns the vertex with the given name.
func (d *DAG) Vertex(name string) (*Vertex, bool) {
	v, ok := d.byName[name]
	return v, ok
}

// Vertices returns the vertices in insertion order.
func (d *DAG) Vertices() []*Vertex {
	return append([]*Vertex(nil), d.vertices...)
}

// Edges returns the edges in insertion order.
func (d *DAG) Edges() []*Edge {
	return append([]*Edge(nil), d.edges...)
}

func (d *DAG) inbound(name string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.To == name {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToOrdinal < out[j].ToOrdinal })
	return out
}

func (d *DAG) outbound(name string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.From == name {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromOrdinal < out[j].FromOrdinal })
	return out
}

// Validate checks that the graph is non-empty and acyclic and that every
// vertex has contiguous input and output ordinals starting at zero.
func (d *DAG) Validate() error {
	if len(d.vertices) == 0 {
		return &EngineError{Message: "graph has no vertices", Code: "EMPTY_GRAPH"}
	}
	for _, v := range d.vertices {
		if err := checkOrdinals(v.Name, "input", d.inbound(v.Name), func(e *Edge) int { return e.ToOrdinal }); err != nil {
			return err
		}
		if err := checkOrdinals(v.Name, "output", d.outbound(v.Name), func(e *Edge) int { return e.FromOrdinal }); err != nil {
			return err
		}
	}
	if _, err := d.topoOrder(); err != nil {
		return err
	}
	return nil
}

func checkOrdinals(vertex, side string, edges []*Edge, ord func(*Edge) int) error {
	for i, e := range edges {
		if ord(e) != i {
			return &EngineError{
				Message: fmt.Sprintf("vertex %s: %s ordinals must be contiguous from 0, got %d at position %d", vertex, side, ord(e), i),
				Code:    "INVALID_ORDINAL",
			}
		}
	}
	return nil
}

// topoOrder returns the vertices in topological order (Kahn's algorithm).
func (d *DAG) topoOrder() ([]*Vertex, error) {
	indegree := make(map[string]int, len(d.vertices))
	for _, e := range d.edges {
		indegree[e.To]++
	}
	var ready []string
	for _, v := range d.vertices {
		if indegree[v.Name] == 0 {
			ready = append(ready, v.Name)
		}
	}
	order := make([]*Vertex, 0, len(d.vertices))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, d.byName[name])
		for _, e := range d.edges {
			if e.From != name {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	if len(order) != len(d.vertices) {
		return nil, &EngineError{Message: "graph contains a cycle", Code: "CYCLE"}
	}
	return order, nil
}
