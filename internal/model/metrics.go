package model

// GPUMetrics is a point-in-time sample of one GPU attached to a job.
type GPUMetrics struct {
	Index         int     `json:"index"`
	Name          string  `json:"name"`
	Utilization   float64 `json:"utilization_gpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	TemperatureC  float64 `json:"temperature_c"`
	PowerDrawW    float64 `json:"power_draw_w"`
}

// SystemMetrics is a sample of the job container's host resources.
type SystemMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	CPUCores       int     `json:"cpu_cores"`
	CPUUnixPercent float64 `json:"cpu_unix_percent"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	MemoryLimitMB  float64 `json:"memory_limit_mb"`
}

// JobMetrics is the response of the job metrics endpoint.
type JobMetrics struct {
	GPUs   []GPUMetrics   `json:"gpus"`
	System *SystemMetrics `json:"system,omitempty"`
}

// Normalize fills fields the control plane may omit.
func (m *JobMetrics) Normalize() {
	if m.GPUs == nil {
		m.GPUs = []GPUMetrics{}
	}
	if m.System == nil {
		return
	}
	if m.System.CPUCores == 0 {
		m.System.CPUCores = 1
	}
	if m.System.CPUUnixPercent == 0 {
		m.System.CPUUnixPercent = m.System.CPUPercent
	}
}
