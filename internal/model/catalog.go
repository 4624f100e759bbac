package model

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// GPUConfig is one purchasable configuration of a GPU type.
type GPUConfig struct {
	GPUCount  int      `json:"gpu_count"`
	CPUCores  int      `json:"cpu_cores"`
	MemoryGB  float64  `json:"memory_gb"`
	StorageGB float64  `json:"storage_gb"`
	Regions   []string `json:"regions"`
}

// GPUType describes a GPU model and the configurations it is offered in.
// ID is the catalog map key and is not part of the wire body.
type GPUType struct {
	ID          string      `json:"-"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Configs     []GPUConfig `json:"configs"`
}

// Normalize fills defaults for fields the catalog may omit.
func (g *GPUType) Normalize(id string) {
	g.ID = id
	if g.Name == "" {
		g.Name = id
	}
	for i := range g.Configs {
		if g.Configs[i].GPUCount == 0 {
			g.Configs[i].GPUCount = 1
		}
		if g.Configs[i].Regions == nil {
			g.Configs[i].Regions = []string{}
		}
	}
}

// Region is a datacenter location jobs can be scheduled in.
type Region struct {
	ID          string `json:"-"`
	Description string `json:"description"`
	Country     string `json:"country"`
}

// Normalize fills defaults for fields the catalog may omit.
func (r *Region) Normalize(id string) {
	r.ID = id
	if r.Description == "" {
		r.Description = id
	}
}

// TierPrices is the per-region price body on the wire. The interruptible
// price key is spelled "interruptable" by the control plane.
type TierPrices struct {
	OnDemand      *float64 `json:"on-demand,omitempty"`
	Interruptible *float64 `json:"interruptable,omitempty"`
}

// PricingTier holds the hourly prices of one configuration in one region.
type PricingTier struct {
	Region        string
	OnDemand      *float64
	Interruptible *float64
}

// GPUPricing is the price list of one (gpu type, gpu count) pair.
type GPUPricing struct {
	GPUType  string
	GPUCount int
	Tiers    []PricingTier
}

// Clone returns a copy of g sharing no slices with it.
func (g GPUType) Clone() GPUType {
	g.Configs = slices.Clone(g.Configs)
	for i := range g.Configs {
		g.Configs[i].Regions = slices.Clone(g.Configs[i].Regions)
	}
	return g
}

// Clone returns a copy of p sharing no tiers or prices with it.
func (p GPUPricing) Clone() GPUPricing {
	p.Tiers = slices.Clone(p.Tiers)
	for i := range p.Tiers {
		p.Tiers[i].OnDemand = clonePrice(p.Tiers[i].OnDemand)
		p.Tiers[i].Interruptible = clonePrice(p.Tiers[i].Interruptible)
	}
	return p
}

func clonePrice(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Tier returns the pricing tier for region, if any.
func (p *GPUPricing) Tier(region string) (PricingTier, bool) {
	for _, t := range p.Tiers {
		if t.Region == region {
			return t, true
		}
	}
	return PricingTier{}, false
}

// PricingKey builds the catalog key for a configuration, e.g. "h100_x8".
func PricingKey(gpuType string, gpuCount int) string {
	return fmt.Sprintf("%s_x%d", gpuType, gpuCount)
}

// ParsePricingKey splits a key like "h100_x8" into its type and count.
// A key without a count suffix means one GPU.
func ParsePricingKey(key string) (string, int) {
	idx := strings.LastIndex(key, "_x")
	if idx < 0 {
		return key, 1
	}
	n, err := strconv.Atoi(key[idx+2:])
	if err != nil || n <= 0 {
		return key, 1
	}
	return key[:idx], n
}

// AvailableGPU is a flattened (type, configuration, region) offering with its prices.
type AvailableGPU struct {
	GPUType       string   `json:"gpu_type"`
	GPUName       string   `json:"gpu_name"`
	GPUCount      int      `json:"gpu_count"`
	CPUCores      int      `json:"cpu_cores"`
	MemoryGB      float64  `json:"memory_gb"`
	StorageGB     float64  `json:"storage_gb"`
	Region        string   `json:"region"`
	RegionName    string   `json:"region_name"`
	Country       string   `json:"country"`
	PriceSpot     *float64 `json:"price_spot"`
	PriceOnDemand *float64 `json:"price_on_demand"`
}
