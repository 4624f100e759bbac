package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed graph.schema.yaml
var graphSchemaYAML []byte

var graphSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := yaml.Unmarshal(graphSchemaYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse graph schema: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal graph schema: %w", err)
	}
	schema, err := jsonschema.CompileString("graph.schema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return schema, nil
})

// Validate checks a graph document against the graph schema.
func Validate(data []byte) error {
	schema, err := graphSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse graph: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid graph: %w", err)
	}
	return nil
}

// DecodeGraph validates and decodes a graph document.
func DecodeGraph(data []byte) (*Graph, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}
