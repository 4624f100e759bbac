package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Kind classifies an operator input.
type Kind int

const (
	// KindConnection inputs are fed by links from other nodes, never by
	// widget values.
	KindConnection Kind = iota
	KindInt
	KindFloat
	KindString
	KindBoolean
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBoolean:
		return "boolean"
	case KindEnum:
		return "enum"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsWidget reports whether values of this kind come from widgets.
func (k Kind) IsWidget() bool {
	return k != KindConnection
}

// Field is one declared operator input.
type Field struct {
	Name string
	Kind Kind
	// Type is the engine type name, e.g. MODEL or INT.
	Type    string
	Default any
	Choices []string
	// ControlAfterGenerate marks seed-like inputs whose widget is followed
	// by a control value (fixed, increment, decrement, randomize) in
	// positional widget lists.
	ControlAfterGenerate bool
}

// Operator declares the ordered inputs of one operator type.
type Operator struct {
	Type     string
	Required []Field
	Optional []Field
	Outputs  []string
}

// Fields returns required then optional inputs in declaration order.
func (o *Operator) Fields() []Field {
	return slices.Concat(o.Required, o.Optional)
}

// Field returns the named input.
func (o *Operator) Field(name string) (Field, bool) {
	for _, f := range o.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Resolution is the result of looking up an operator type: either Known or
// Unrecognized.
type Resolution interface {
	resolution()
}

// Known is a catalogued operator.
type Known struct {
	Operator *Operator
}

// Unrecognized is an operator type the catalog has no entry for.
type Unrecognized struct {
	Type string
}

func (Known) resolution()        {}
func (Unrecognized) resolution() {}

// Catalog maps operator types to their declared inputs. It is read-only
// after construction and safe for concurrent use.
type Catalog struct {
	ops map[string]*Operator
}

// NewCatalog builds a catalog. Later operators replace earlier ones of the
// same type.
func NewCatalog(ops ...Operator) *Catalog {
	c := &Catalog{ops: make(map[string]*Operator, len(ops))}
	for i := range ops {
		op := ops[i]
		c.ops[op.Type] = &op
	}
	return c
}

// Resolve looks up an operator type.
func (c *Catalog) Resolve(typ string) Resolution {
	if c != nil {
		if op, ok := c.ops[typ]; ok {
			return Known{Operator: op}
		}
	}
	return Unrecognized{Type: typ}
}

// Len returns the number of operators.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ops)
}

// Types returns the catalogued operator types, sorted.
func (c *Catalog) Types() []string {
	if c == nil {
		return nil
	}
	types := make([]string, 0, len(c.ops))
	for t := range c.ops {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ParseObjectInfo builds a catalog from an engine's /object_info document.
// Input order comes from input_order when present and from document order
// otherwise.
func ParseObjectInfo(data []byte) (*Catalog, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse object info: %w", err)
	}
	ops := make([]Operator, 0, len(doc))
	for typ, raw := range doc {
		op, err := parseOperator(typ, raw)
		if err != nil {
			return nil, fmt.Errorf("parse object info: %s: %w", typ, err)
		}
		ops = append(ops, op)
	}
	return NewCatalog(ops...), nil
}

type objectInfoEntry struct {
	Input struct {
		Required json.RawMessage `json:"required"`
		Optional json.RawMessage `json:"optional"`
	} `json:"input"`
	InputOrder struct {
		Required []string `json:"required"`
		Optional []string `json:"optional"`
	} `json:"input_order"`
	Output []json.RawMessage `json:"output"`
}

func parseOperator(typ string, raw json.RawMessage) (Operator, error) {
	var e objectInfoEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Operator{}, err
	}
	op := Operator{Type: typ}
	var err error
	if op.Required, err = parseFields(e.Input.Required, e.InputOrder.Required); err != nil {
		return Operator{}, fmt.Errorf("required: %w", err)
	}
	if op.Optional, err = parseFields(e.Input.Optional, e.InputOrder.Optional); err != nil {
		return Operator{}, fmt.Errorf("optional: %w", err)
	}
	for _, o := range e.Output {
		var s string
		if json.Unmarshal(o, &s) == nil {
			op.Outputs = append(op.Outputs, s)
		} else {
			op.Outputs = append(op.Outputs, "COMBO")
		}
	}
	return op, nil
}

func parseFields(raw json.RawMessage, order []string) ([]Field, error) {
	if isNull(raw) {
		return nil, nil
	}
	var specs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		var err error
		if order, err = objectKeys(raw); err != nil {
			return nil, err
		}
	}
	fields := make([]Field, 0, len(order))
	for _, name := range order {
		spec, ok := specs[name]
		if !ok {
			continue
		}
		f, err := parseField(name, spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// parseField decodes an input spec of the form [TYPE, {options}] where TYPE
// is a type name or a list of enum choices.
func parseField(name string, spec json.RawMessage) (Field, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(spec, &parts); err != nil || len(parts) == 0 {
		return Field{}, fmt.Errorf("malformed input spec")
	}
	var opts struct {
		Default              any      `json:"default"`
		Options              []string `json:"options"`
		ControlAfterGenerate bool     `json:"control_after_generate"`
	}
	if len(parts) > 1 {
		_ = json.Unmarshal(parts[1], &opts)
	}

	f := Field{Name: name, Default: opts.Default, ControlAfterGenerate: opts.ControlAfterGenerate}
	var choices []any
	if json.Unmarshal(parts[0], &choices) == nil {
		f.Kind, f.Type = KindEnum, "COMBO"
		for _, c := range choices {
			f.Choices = append(f.Choices, fmt.Sprint(c))
		}
		return f, nil
	}
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return Field{}, fmt.Errorf("input type: %w", err)
	}
	f.Kind = kindOf(f.Type)
	if f.Kind == KindEnum {
		f.Choices = opts.Options
	}
	return f, nil
}

func kindOf(typ string) Kind {
	switch strings.ToUpper(typ) {
	case "INT":
		return KindInt
	case "FLOAT":
		return KindFloat
	case "STRING":
		return KindString
	case "BOOLEAN":
		return KindBoolean
	case "COMBO":
		return KindEnum
	}
	return KindConnection
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("want object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
