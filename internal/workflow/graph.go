// Package workflow compiles visual-editor node graphs into the flat request
// format an execution engine runs, and patches both forms.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Node modes as stored in graph documents.
const (
	ModeAlways = 0
	ModeMuted  = 2
	ModeBypass = 4
)

// annotation types carry no computation and never reach the request.
var annotationTypes = map[string]bool{
	"Note":         true,
	"Reroute":      true,
	"MarkdownNote": true,
}

// NodeID is a graph node id. Documents store ids as numbers; some newer
// ones use strings, so both decode.
type NodeID string

func (id *NodeID) UnmarshalJSON(b []byte) error {
	s, err := scalarString(b)
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	*id = NodeID(s)
	return nil
}

func (id NodeID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// Graph is a decoded graph document. Fields the compiler does not read are
// kept verbatim so an edited graph re-encodes without loss.
type Graph struct {
	Nodes []*Node
	Links []Link

	raw map[string]json.RawMessage
}

func (g *Graph) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	g.raw = raw
	g.Nodes = nil
	g.Links = nil
	if r, ok := raw["nodes"]; ok && !isNull(r) {
		if err := json.Unmarshal(r, &g.Nodes); err != nil {
			return fmt.Errorf("nodes: %w", err)
		}
	}
	if r, ok := raw["links"]; ok && !isNull(r) {
		if err := json.Unmarshal(r, &g.Links); err != nil {
			return fmt.Errorf("links: %w", err)
		}
	}
	return nil
}

// MarshalJSON re-encodes the graph. Nodes are written from Nodes, which
// carries any mode edits; links and other top-level fields are written as
// they were read.
func (g *Graph) MarshalJSON() ([]byte, error) {
	out := maps.Clone(g.raw)
	if out == nil {
		out = map[string]json.RawMessage{}
	}
	nodes, err := json.Marshal(g.Nodes)
	if err != nil {
		return nil, err
	}
	out["nodes"] = nodes
	if _, ok := out["links"]; !ok || g.raw == nil {
		links, err := json.Marshal(g.Links)
		if err != nil {
			return nil, err
		}
		out["links"] = links
	}
	return json.Marshal(out)
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Node is one operator instance in a graph.
type Node struct {
	ID      NodeID
	Type    string
	Title   string
	Mode    int
	Inputs  []NodeInput
	Outputs []NodeOutput
	Widgets Widgets

	raw map[string]json.RawMessage
}

// NodeInput is an input socket. Link is nil when nothing is connected.
type NodeInput struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Link *int   `json:"link"`
}

// NodeOutput is an output socket.
type NodeOutput struct {
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	Links []int  `json:"links"`
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var known struct {
		ID      NodeID       `json:"id"`
		Type    string       `json:"type"`
		Title   string       `json:"title"`
		Mode    int          `json:"mode"`
		Inputs  []NodeInput  `json:"inputs"`
		Outputs []NodeOutput `json:"outputs"`
		Widgets Widgets      `json:"widgets_values"`
	}
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	*n = Node{
		ID:      known.ID,
		Type:    known.Type,
		Title:   known.Title,
		Mode:    known.Mode,
		Inputs:  known.Inputs,
		Outputs: known.Outputs,
		Widgets: known.Widgets,
		raw:     raw,
	}
	return nil
}

// MarshalJSON writes a decoded node back as read, with only its mode
// replaced. Nodes built in code are written from their fields.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.raw == nil {
		type plain struct {
			ID      NodeID       `json:"id"`
			Type    string       `json:"type"`
			Title   string       `json:"title,omitempty"`
			Mode    int          `json:"mode"`
			Inputs  []NodeInput  `json:"inputs,omitempty"`
			Outputs []NodeOutput `json:"outputs,omitempty"`
			Widgets Widgets      `json:"widgets_values"`
		}
		return json.Marshal(plain{n.ID, n.Type, n.Title, n.Mode, n.Inputs, n.Outputs, n.Widgets})
	}
	out := maps.Clone(n.raw)
	if _, had := out["mode"]; had || n.Mode != ModeAlways {
		out["mode"] = json.RawMessage(strconv.Itoa(n.Mode))
	}
	return json.Marshal(out)
}

// title returns the display title, falling back to the operator type.
func (n *Node) title() string {
	if n.Title != "" {
		return n.Title
	}
	return n.Type
}

// Widgets holds a node's literal input values. Documents store them either
// positionally or keyed by input name. Numbers keep their source text.
type Widgets struct {
	Positional []any
	Keyed      map[string]any
}

// Len returns the number of stored values.
func (w Widgets) Len() int {
	return len(w.Positional) + len(w.Keyed)
}

func (w *Widgets) UnmarshalJSON(b []byte) error {
	*w = Widgets{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || isNull(b) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	switch b[0] {
	case '[':
		return dec.Decode(&w.Positional)
	case '{':
		return dec.Decode(&w.Keyed)
	default:
		return fmt.Errorf("widgets_values: unexpected %q", b[0])
	}
}

func (w Widgets) MarshalJSON() ([]byte, error) {
	if w.Keyed != nil {
		return json.Marshal(w.Keyed)
	}
	if w.Positional == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(w.Positional)
}

// Link connects an output slot of one node to an input slot of another.
type Link struct {
	ID         int
	Origin     NodeID
	OriginSlot int
	Target     NodeID
	TargetSlot int
	Type       string
}

// UnmarshalJSON accepts the compact array form
// [id, origin, origin_slot, target, target_slot, type] and the object form.
func (l *Link) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		if len(parts) < 3 {
			return fmt.Errorf("link: want at least 3 elements, got %d", len(parts))
		}
		for len(parts) < 6 {
			parts = append(parts, json.RawMessage("null"))
		}
		return l.fill(parts[0], parts[1], parts[2], parts[3], parts[4], parts[5])
	}
	var obj struct {
		ID         json.RawMessage `json:"id"`
		OriginID   json.RawMessage `json:"origin_id"`
		OriginSlot json.RawMessage `json:"origin_slot"`
		TargetID   json.RawMessage `json:"target_id"`
		TargetSlot json.RawMessage `json:"target_slot"`
		Type       json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	return l.fill(obj.ID, obj.OriginID, obj.OriginSlot, obj.TargetID, obj.TargetSlot, obj.Type)
}

func (l *Link) fill(id, origin, originSlot, target, targetSlot, typ json.RawMessage) error {
	var err error
	if l.ID, err = intValue(id); err != nil {
		return fmt.Errorf("link id: %w", err)
	}
	s, err := scalarString(origin)
	if err != nil {
		return fmt.Errorf("link %d origin: %w", l.ID, err)
	}
	l.Origin = NodeID(s)
	if l.OriginSlot, err = intValue(originSlot); err != nil {
		return fmt.Errorf("link %d origin slot: %w", l.ID, err)
	}
	if !isNull(target) {
		if s, err = scalarString(target); err != nil {
			return fmt.Errorf("link %d target: %w", l.ID, err)
		}
		l.Target = NodeID(s)
	}
	if !isNull(targetSlot) {
		if l.TargetSlot, err = intValue(targetSlot); err != nil {
			return fmt.Errorf("link %d target slot: %w", l.ID, err)
		}
	}
	// Wildcard links store a non-string type; those match any slot.
	var t string
	if json.Unmarshal(typ, &t) == nil {
		l.Type = t
	}
	return nil
}

func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.ID, l.Origin, l.OriginSlot, l.Target, l.TargetSlot, l.Type})
}

func isNull(b []byte) bool {
	return len(bytes.TrimSpace(b)) == 0 || string(bytes.TrimSpace(b)) == "null"
}

func scalarString(b []byte) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch v := v.(type) {
	case json.Number:
		return v.String(), nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("want number or string, got %T", v)
	}
}

func intValue(b []byte) (int, error) {
	s, err := scalarString(b)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}
