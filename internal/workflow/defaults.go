package workflow

import "sync"

func conn(name, typ string) Field {
	return Field{Name: name, Kind: KindConnection, Type: typ}
}

func intField(name string, def int) Field {
	return Field{Name: name, Kind: KindInt, Type: "INT", Default: def}
}

func floatField(name string, def float64) Field {
	return Field{Name: name, Kind: KindFloat, Type: "FLOAT", Default: def}
}

func stringField(name string) Field {
	return Field{Name: name, Kind: KindString, Type: "STRING"}
}

func enumField(name string, choices ...string) Field {
	return Field{Name: name, Kind: KindEnum, Type: "COMBO", Choices: choices}
}

func seedField(name string) Field {
	return Field{Name: name, Kind: KindInt, Type: "INT", Default: 0, ControlAfterGenerate: true}
}

var (
	samplerNames = []string{"euler", "euler_ancestral", "dpm_2"}
	schedulers   = []string{"normal", "karras", "simple"}
)

var defaultOperators = []Operator{
	{
		Type:     "CLIPTextEncode",
		Required: []Field{conn("clip", "CLIP"), stringField("text")},
		Outputs:  []string{"CONDITIONING"},
	},
	{
		Type: "CLIPLoader",
		Required: []Field{
			enumField("clip_name", "model.safetensors"),
			enumField("type", "stable_diffusion", "wan"),
			enumField("device", "default", "cpu"),
		},
		Outputs: []string{"CLIP"},
	},
	{
		Type: "KSampler",
		Required: []Field{
			conn("model", "MODEL"),
			conn("positive", "CONDITIONING"),
			conn("negative", "CONDITIONING"),
			conn("latent_image", "LATENT"),
			seedField("seed"),
			intField("steps", 20),
			floatField("cfg", 8.0),
			enumField("sampler_name", samplerNames...),
			enumField("scheduler", schedulers...),
			floatField("denoise", 1.0),
		},
		Outputs: []string{"LATENT"},
	},
	{
		Type: "KSamplerAdvanced",
		Required: []Field{
			conn("model", "MODEL"),
			enumField("add_noise", "enable", "disable"),
			seedField("noise_seed"),
			intField("steps", 20),
			floatField("cfg", 8.0),
			enumField("sampler_name", samplerNames...),
			enumField("scheduler", schedulers...),
			conn("positive", "CONDITIONING"),
			conn("negative", "CONDITIONING"),
			conn("latent_image", "LATENT"),
			intField("start_at_step", 0),
			intField("end_at_step", 10000),
			enumField("return_with_leftover_noise", "disable", "enable"),
		},
		Outputs: []string{"LATENT"},
	},
	{
		Type:     "EmptyLatentImage",
		Required: []Field{intField("width", 512), intField("height", 512), intField("batch_size", 1)},
		Outputs:  []string{"LATENT"},
	},
	{
		Type: "UNETLoader",
		Required: []Field{
			enumField("unet_name", "model.safetensors"),
			enumField("weight_dtype", "default", "fp8_e4m3fn"),
		},
		Outputs: []string{"MODEL"},
	},
	{
		Type:     "VAELoader",
		Required: []Field{enumField("vae_name", "vae.safetensors")},
		Outputs:  []string{"VAE"},
	},
	{
		Type:     "CheckpointLoaderSimple",
		Required: []Field{enumField("ckpt_name", "model.safetensors")},
		Outputs:  []string{"MODEL", "CLIP", "VAE"},
	},
	{
		Type:     "VAEDecode",
		Required: []Field{conn("samples", "LATENT"), conn("vae", "VAE")},
		Outputs:  []string{"IMAGE"},
	},
	{
		Type:     "SaveImage",
		Required: []Field{conn("images", "IMAGE"), stringField("filename_prefix")},
	},
	{
		Type:     "LoadImage",
		Required: []Field{stringField("image")},
		Outputs:  []string{"IMAGE", "MASK"},
	},
	{
		Type:     "LoadAudio",
		Required: []Field{stringField("audio")},
		Outputs:  []string{"AUDIO"},
	},
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
)

// DefaultCatalog returns the built-in catalog used for offline compilation
// when no engine is reachable. It covers the common image pipeline
// operators.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		defaultCatalog = NewCatalog(defaultOperators...)
	})
	return defaultCatalog
}
