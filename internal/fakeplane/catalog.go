package fakeplane

import (
	"maps"
	"slices"

	"github.com/seantiz/anvil/internal/model"
)

// Catalog is the instance catalog served under /instances.
type Catalog struct {
	Types   map[string]model.GPUType
	Regions map[string]model.Region
	// Pricing is keyed by "<type>_x<count>", then region.
	Pricing map[string]map[string]model.TierPrices
	// Capacity is the number of GPUs of each type the plane pretends to own.
	Capacity map[string]int
}

func price(v float64) *float64 { return &v }

// DefaultCatalog returns a small fixed catalog covering the GPU types the
// client defaults to.
func DefaultCatalog() Catalog {
	regions := map[string]model.Region{
		"us-east": {Description: "US East (Virginia)", Country: "US"},
		"eu-west": {Description: "EU West (Amsterdam)", Country: "NL"},
	}
	both := []string{"us-east", "eu-west"}
	return Catalog{
		Types: map[string]model.GPUType{
			"l40s": {
				Name:        "NVIDIA L40S",
				Description: "48 GB Ada Lovelace",
				Configs: []model.GPUConfig{
					{GPUCount: 1, CPUCores: 8, MemoryGB: 64, StorageGB: 200, Regions: both},
					{GPUCount: 2, CPUCores: 16, MemoryGB: 128, StorageGB: 400, Regions: []string{"us-east"}},
				},
			},
			"l4": {
				Name:        "NVIDIA L4",
				Description: "24 GB Ada Lovelace",
				Configs: []model.GPUConfig{
					{GPUCount: 1, CPUCores: 4, MemoryGB: 32, StorageGB: 100, Regions: both},
				},
			},
			"h100": {
				Name:        "NVIDIA H100",
				Description: "80 GB Hopper",
				Configs: []model.GPUConfig{
					{GPUCount: 1, CPUCores: 16, MemoryGB: 128, StorageGB: 500, Regions: []string{"us-east"}},
					{GPUCount: 8, CPUCores: 128, MemoryGB: 1024, StorageGB: 4000, Regions: []string{"us-east"}},
				},
			},
		},
		Regions: regions,
		Pricing: map[string]map[string]model.TierPrices{
			"l40s_x1": {
				"us-east": {OnDemand: price(1.8), Interruptible: price(0.9)},
				"eu-west": {OnDemand: price(2.0), Interruptible: price(1.0)},
			},
			"l40s_x2": {"us-east": {OnDemand: price(3.6), Interruptible: price(1.8)}},
			"l4_x1": {
				"us-east": {OnDemand: price(0.8), Interruptible: price(0.4)},
				"eu-west": {OnDemand: price(0.9)},
			},
			"h100_x1": {"us-east": {OnDemand: price(3.5), Interruptible: price(2.1)}},
			"h100_x8": {"us-east": {OnDemand: price(28)}},
		},
		Capacity: map[string]int{"l40s": 16, "l4": 32, "h100": 8},
	}
}

// config returns the configuration of gpuType with gpuCount GPUs.
func (c Catalog) config(gpuType string, gpuCount int) (model.GPUConfig, bool) {
	t, ok := c.Types[gpuType]
	if !ok {
		return model.GPUConfig{}, false
	}
	for _, cfg := range t.Configs {
		if cfg.GPUCount == gpuCount {
			return cfg, true
		}
	}
	return model.GPUConfig{}, false
}

// hourlyPrice resolves the price of a configuration. An empty region picks
// the first priced region in name order, which is also returned.
func (c Catalog) hourlyPrice(gpuType string, gpuCount int, region string, interruptible bool) (float64, string, bool) {
	byRegion, ok := c.Pricing[model.PricingKey(gpuType, gpuCount)]
	if !ok {
		return 0, "", false
	}
	regions := []string{region}
	if region == "" {
		regions = slices.Sorted(maps.Keys(byRegion))
	}
	for _, r := range regions {
		tier, ok := byRegion[r]
		if !ok {
			continue
		}
		p := tier.OnDemand
		if interruptible {
			p = tier.Interruptible
		}
		if p != nil {
			return *p, r, true
		}
	}
	return 0, "", false
}
