package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
)

// Request is the executable form of a workflow, keyed by node id.
type Request map[string]*Entry

// Entry is one operator invocation in a Request.
type Entry struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      Meta           `json:"_meta"`
}

// Meta carries display data the engine ignores.
type Meta struct {
	Title string `json:"title"`
}

// Ref points an input at output Slot of node Node. It encodes as the
// two-element array [node, slot].
type Ref struct {
	Node string
	Slot int
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Node, r.Slot})
}

// IDs returns the request's node ids in ascending numeric order. Ids that
// are not integers sort after numeric ones.
func (r Request) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, CompareIDs)
	return ids
}

// CompareIDs orders node ids numerically, with non-numeric ids last.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// controlValues are the seed-control widget values that trail seed inputs.
var controlValues = map[string]bool{
	"fixed":     true,
	"increment": true,
	"decrement": true,
	"randomize": true,
}

// maxRerouteDepth bounds how far a link is followed through reroute and
// bypassed nodes.
const maxRerouteDepth = 64

// Compiler turns graphs into requests. The zero value compiles against
// DefaultCatalog and logs nothing.
type Compiler struct {
	Catalog *Catalog
	Logger  *slog.Logger
}

// Compile compiles g against cat, or against DefaultCatalog when cat is nil.
func Compile(g *Graph, cat *Catalog) Request {
	return (&Compiler{Catalog: cat}).Compile(g)
}

// Compile flattens g. Annotation, muted and bypassed nodes are dropped and
// links through them are resolved to the nearest emitted source. Inputs
// that cannot be resolved are omitted rather than guessed. g is not
// modified.
func (c *Compiler) Compile(g *Graph) Request {
	cat := c.Catalog
	if cat == nil {
		cat = DefaultCatalog()
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	x := &compilation{
		nodes: make(map[NodeID]*Node, len(g.Nodes)),
		links: make(map[int]Link, len(g.Links)),
	}
	for _, n := range g.Nodes {
		x.nodes[n.ID] = n
	}
	for _, l := range g.Links {
		x.links[l.ID] = l
	}

	req := make(Request, len(g.Nodes))
	for _, n := range g.Nodes {
		if !emitted(n) {
			continue
		}
		inputs := map[string]any{}
		connected := map[string]bool{}

		// Pass 1: connections.
		for _, in := range n.Inputs {
			if in.Link == nil {
				continue
			}
			if _, ok := x.links[*in.Link]; !ok {
				logger.Debug("input link not found", "node", n.ID, "input", in.Name, "link", *in.Link)
				continue
			}
			connected[in.Name] = true
			ref, ok := x.source(*in.Link, 0)
			if !ok {
				logger.Debug("input source dropped", "node", n.ID, "input", in.Name, "link", *in.Link)
				continue
			}
			inputs[in.Name] = ref
		}

		// Pass 2: widget values into the remaining declared slots.
		switch r := cat.Resolve(n.Type).(type) {
		case Known:
			fillWidgets(r.Operator, n.Widgets, connected, inputs)
		case Unrecognized:
			if n.Widgets.Len() > 0 {
				logger.Warn("unrecognized operator, widget values dropped",
					"node", n.ID, "type", r.Type, "widgets", n.Widgets.Len())
			}
		}

		req[string(n.ID)] = &Entry{
			ClassType: n.Type,
			Inputs:    inputs,
			Meta:      Meta{Title: n.title()},
		}
	}
	return req
}

type compilation struct {
	nodes map[NodeID]*Node
	links map[int]Link
}

func emitted(n *Node) bool {
	if n.Type == "" || annotationTypes[n.Type] {
		return false
	}
	return n.Mode != ModeMuted && n.Mode != ModeBypass
}

// source resolves a link to the emitted node output that ultimately feeds
// it, following reroutes and bypassed nodes.
func (x *compilation) source(linkID, depth int) (Ref, bool) {
	if depth > maxRerouteDepth {
		return Ref{}, false
	}
	l, ok := x.links[linkID]
	if !ok {
		return Ref{}, false
	}
	src, ok := x.nodes[l.Origin]
	if !ok {
		return Ref{}, false
	}
	if emitted(src) {
		return Ref{Node: string(src.ID), Slot: l.OriginSlot}, true
	}
	switch {
	case src.Type == "Reroute":
		for _, in := range src.Inputs {
			if in.Link != nil {
				return x.source(*in.Link, depth+1)
			}
		}
	case src.Mode == ModeBypass:
		want := l.Type
		if want == "" && l.OriginSlot < len(src.Outputs) {
			want = src.Outputs[l.OriginSlot].Type
		}
		for _, in := range src.Inputs {
			if in.Link != nil && typesMatch(in.Type, want) {
				return x.source(*in.Link, depth+1)
			}
		}
	}
	return Ref{}, false
}

func typesMatch(a, b string) bool {
	return a == b || a == "*" || b == "*" || b == ""
}

func fillWidgets(op *Operator, w Widgets, connected map[string]bool, inputs map[string]any) {
	if w.Keyed != nil {
		for _, f := range op.Fields() {
			if !f.Kind.IsWidget() || connected[f.Name] {
				continue
			}
			if v, ok := w.Keyed[f.Name]; ok {
				inputs[f.Name] = v
			}
		}
		return
	}

	vals := w.Positional
	i := 0
	for _, f := range op.Fields() {
		if !f.Kind.IsWidget() || connected[f.Name] {
			continue
		}
		if i >= len(vals) {
			return
		}
		inputs[f.Name] = vals[i]
		i++
		if f.ControlAfterGenerate && i < len(vals) {
			if s, ok := vals[i].(string); ok && controlValues[s] {
				i++
			}
		}
	}
}

// Encode marshals the request. Map keys are sorted, so equal requests encode
// to identical bytes.
func (r Request) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}
