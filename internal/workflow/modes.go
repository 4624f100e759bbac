package workflow

import (
	"fmt"
	"slices"
)

// ModeConfig changes one node's mode. Mode wins over Enabled when both
// are set.
type ModeConfig struct {
	Mode    *int  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Enable returns a config that sets a node to always run.
func Enable() ModeConfig {
	on := true
	return ModeConfig{Enabled: &on}
}

// Bypass returns a config that bypasses a node.
func Bypass() ModeConfig {
	off := false
	return ModeConfig{Enabled: &off}
}

// WithMode returns a config that sets an explicit mode value.
func WithMode(mode int) ModeConfig {
	return ModeConfig{Mode: &mode}
}

func (c ModeConfig) mode() (int, bool) {
	switch {
	case c.Mode != nil:
		return *c.Mode, true
	case c.Enabled != nil && *c.Enabled:
		return ModeAlways, true
	case c.Enabled != nil:
		return ModeBypass, true
	}
	return 0, false
}

// SetModes updates node modes in g by node id. It returns the ids that
// matched no node, sorted.
func SetModes(g *Graph, configs map[string]ModeConfig) []string {
	var missing []string
	for id, c := range configs {
		n := g.Node(NodeID(id))
		if n == nil {
			missing = append(missing, id)
			continue
		}
		if m, ok := c.mode(); ok {
			n.Mode = m
		}
	}
	slices.SortFunc(missing, CompareIDs)
	return missing
}

// ParseModeValue parses a CLI mode value: enabled, bypass, muted or an
// integer mode.
func ParseModeValue(s string) (ModeConfig, error) {
	switch s {
	case "enabled", "enable", "on":
		return Enable(), nil
	case "bypass", "bypassed", "disabled", "off":
		return Bypass(), nil
	case "muted", "mute", "never":
		return WithMode(ModeMuted), nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || fmt.Sprint(n) != s {
		return ModeConfig{}, fmt.Errorf("invalid mode %q", s)
	}
	return WithMode(n), nil
}
