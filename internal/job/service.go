package job

import (
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// ComfyUIImage is the published image of the ComfyUI workflow engine.
const ComfyUIImage = "ghcr.io/compute3ai/images/comfyui"

// Service describes the workload a job runs: what to launch by default and
// how to tell that it is serving.
type Service struct {
	Name           string
	DefaultImage   string
	DefaultGPUType string
	HealthPath     string
	HealthTimeout  time.Duration
	// Port is the service port behind the job hostname. Zero means the
	// hostname alone addresses the service.
	Port int
}

// Built-in service profiles.
var (
	Generic = Service{
		Name:           "generic",
		DefaultGPUType: model.DefaultGPUType,
		HealthPath:     "/",
		HealthTimeout:  5 * time.Second,
	}
	ComfyUI = Service{
		Name:           "comfyui",
		DefaultImage:   ComfyUIImage,
		DefaultGPUType: model.DefaultGPUType,
		HealthPath:     "/system_stats",
		HealthTimeout:  5 * time.Second,
		Port:           8188,
	}
	Gradio = Service{
		Name:           "gradio",
		DefaultGPUType: "l4",
		HealthPath:     "/",
		HealthTimeout:  10 * time.Second,
		Port:           7860,
	}
)

// ServiceByName returns a built-in profile.
func ServiceByName(name string) (Service, bool) {
	for _, s := range []Service{Generic, ComfyUI, Gradio} {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}
