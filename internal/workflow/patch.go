package workflow

import "strings"

// Params is a set of best-effort overrides for a compiled request. Zero
// fields are left alone. A parameter whose target node is not present is
// ignored.
type Params struct {
	Prompt         string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Negative       string   `json:"negative,omitempty" yaml:"negative,omitempty"`
	Width          int      `json:"width,omitempty" yaml:"width,omitempty"`
	Height         int      `json:"height,omitempty" yaml:"height,omitempty"`
	Length         int      `json:"length,omitempty" yaml:"length,omitempty"`
	Seed           *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	Steps          *int     `json:"steps,omitempty" yaml:"steps,omitempty"`
	CFG            *float64 `json:"cfg,omitempty" yaml:"cfg,omitempty"`
	FilenamePrefix string   `json:"filename_prefix,omitempty" yaml:"filename_prefix,omitempty"`
	// Nodes sets inputs on specific nodes by id.
	Nodes map[string]map[string]any `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

var (
	textEncoderTypes = []string{"CLIPTextEncode", "CLIPTextEncodeFlux", "CLIPTextEncodeSD3", "TextEncodeQwenImageEditPlus"}
	latentTypes      = []string{
		"EmptySD3LatentImage", "EmptyFlux2LatentImage", "EmptyLatentImage",
		"EmptyHunyuanLatentVideo", "EmptyMochiLatentVideo", "EmptyLTXVLatentVideo",
		"WanImageToVideo", "WanStartEndFrames", "WanHuMoImageToVideo",
	}
	samplerTypes = []string{"KSampler", "KSamplerAdvanced", "SamplerCustom", "SamplerCustomAdvanced"}
	saveTypes    = []string{"SaveImage", "SaveVideo", "SaveAnimatedWEBP", "SaveAnimatedPNG"}
)

const qwenEncoder = "TextEncodeQwenImageEditPlus"

// Match is a node found in a request.
type Match struct {
	ID    string
	Entry *Entry
}

// FindNodes returns the nodes of classType whose title contains
// titleContains (case-insensitively), in ascending id order. An empty
// titleContains matches every title.
func FindNodes(req Request, classType, titleContains string) []Match {
	needle := strings.ToLower(titleContains)
	var out []Match
	for _, id := range req.IDs() {
		e := req[id]
		if e.ClassType != classType {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Meta.Title), needle) {
			continue
		}
		out = append(out, Match{ID: id, Entry: e})
	}
	return out
}

// FindNode returns the first node FindNodes would.
func FindNode(req Request, classType, titleContains string) (Match, bool) {
	if m := FindNodes(req, classType, titleContains); len(m) > 0 {
		return m[0], true
	}
	return Match{}, false
}

// findFirst tries each candidate type in priority order.
func findFirst(req Request, types []string, titleContains string) (Match, bool) {
	for _, t := range types {
		if m, ok := FindNode(req, t, titleContains); ok {
			return m, true
		}
	}
	return Match{}, false
}

func (e *Entry) set(name string, v any) {
	if e.Inputs == nil {
		e.Inputs = map[string]any{}
	}
	e.Inputs[name] = v
}

// Apply patches req in place with p and returns it.
func Apply(req Request, p Params) Request {
	if p.Prompt != "" {
		applyPrompt(req, p.Prompt)
	}
	if p.Negative != "" {
		if m, ok := FindNode(req, qwenEncoder, "Negative"); ok {
			m.Entry.set("prompt", p.Negative)
		} else if m, ok := findFirst(req, textEncoderTypes, "Negative"); ok {
			m.Entry.set("text", p.Negative)
		}
	}
	if p.Width > 0 || p.Height > 0 || p.Length > 0 {
		if m, ok := findFirst(req, latentTypes, ""); ok {
			if p.Width > 0 {
				m.Entry.set("width", p.Width)
			}
			if p.Height > 0 {
				m.Entry.set("height", p.Height)
			}
			if p.Length > 0 {
				m.Entry.set("length", p.Length)
			}
		}
	}
	if p.Seed != nil {
		applySeed(req, *p.Seed)
	}
	if p.Steps != nil {
		if m, ok := findFirst(req, samplerTypes, ""); ok {
			m.Entry.set("steps", *p.Steps)
		}
	}
	if p.CFG != nil {
		if m, ok := findFirst(req, samplerTypes, ""); ok {
			m.Entry.set("cfg", *p.CFG)
		}
	}
	if p.FilenamePrefix != "" {
		if m, ok := findFirst(req, saveTypes, ""); ok {
			m.Entry.set("filename_prefix", p.FilenamePrefix)
		}
	}
	for id, values := range p.Nodes {
		e, ok := req[id]
		if !ok {
			continue
		}
		for k, v := range values {
			e.set(k, v)
		}
	}
	return req
}

// applyPrompt prefers a Qwen edit encoder titled Positive, then any text
// encoder titled Positive, then the first text encoder of any title.
func applyPrompt(req Request, prompt string) {
	if m, ok := FindNode(req, qwenEncoder, "Positive"); ok {
		m.Entry.set("prompt", prompt)
		return
	}
	m, ok := findFirst(req, textEncoderTypes, "Positive")
	if !ok {
		m, ok = findFirst(req, textEncoderTypes, "")
	}
	if ok {
		m.Entry.set("text", prompt)
	}
}

// applySeed sets KSampler.seed, or noise_seed on the advanced sampler that
// adds noise when there is no plain KSampler.
func applySeed(req Request, seed int64) {
	if m, ok := FindNode(req, "KSampler", ""); ok {
		m.Entry.set("seed", seed)
		return
	}
	adv := FindNodes(req, "KSamplerAdvanced", "")
	if len(adv) == 0 {
		return
	}
	target := adv[0]
	for _, m := range adv {
		if v, ok := m.Entry.Inputs["add_noise"].(string); ok && v == "enable" {
			target = m
			break
		}
	}
	target.Entry.set("noise_seed", seed)
}
