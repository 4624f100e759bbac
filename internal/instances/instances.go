// Package instances reads the control plane's GPU type, region and pricing
// catalogs and caches them per client.
package instances

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/transport"
)

// Client fetches catalogs on first use and serves later reads from an
// in-memory snapshot until refreshed. A refresh swaps the whole snapshot,
// so concurrent readers never see a partially built catalog.
type Client struct {
	t       *transport.Client
	types   atomic.Pointer[map[string]model.GPUType]
	regions atomic.Pointer[map[string]model.Region]
	pricing atomic.Pointer[map[string]model.GPUPricing]
}

// New creates an instances client.
func New(t *transport.Client) *Client {
	return &Client{t: t}
}

// Types returns the GPU type catalog keyed by type id.
func (c *Client) Types(ctx context.Context, refresh bool) (map[string]model.GPUType, error) {
	if p := c.types.Load(); p != nil && !refresh {
		return cloneTypes(*p), nil
	}
	var raw map[string]model.GPUType
	if err := c.t.Get(ctx, "/instances/types", nil, &raw); err != nil {
		return nil, fmt.Errorf("get gpu types: %w", err)
	}
	out := make(map[string]model.GPUType, len(raw))
	for id, g := range raw {
		g.Normalize(id)
		out[id] = g
	}
	c.types.Store(&out)
	return cloneTypes(out), nil
}

// Regions returns the region catalog keyed by region id.
func (c *Client) Regions(ctx context.Context, refresh bool) (map[string]model.Region, error) {
	if p := c.regions.Load(); p != nil && !refresh {
		return maps.Clone(*p), nil
	}
	var raw map[string]model.Region
	if err := c.t.Get(ctx, "/instances/regions", nil, &raw); err != nil {
		return nil, fmt.Errorf("get regions: %w", err)
	}
	out := make(map[string]model.Region, len(raw))
	for id, r := range raw {
		r.Normalize(id)
		out[id] = r
	}
	c.regions.Store(&out)
	return maps.Clone(out), nil
}

// Pricing returns price lists keyed by "<type>_x<count>".
func (c *Client) Pricing(ctx context.Context, refresh bool) (map[string]model.GPUPricing, error) {
	if p := c.pricing.Load(); p != nil && !refresh {
		return clonePricing(*p), nil
	}
	var raw map[string]map[string]model.TierPrices
	if err := c.t.Get(ctx, "/instances/pricing", nil, &raw); err != nil {
		return nil, fmt.Errorf("get pricing: %w", err)
	}
	out := make(map[string]model.GPUPricing, len(raw))
	for key, byRegion := range raw {
		gpuType, count := model.ParsePricingKey(key)
		p := model.GPUPricing{GPUType: gpuType, GPUCount: count}
		for _, region := range slices.Sorted(maps.Keys(byRegion)) {
			prices := byRegion[region]
			p.Tiers = append(p.Tiers, model.PricingTier{
				Region:        region,
				OnDemand:      prices.OnDemand,
				Interruptible: prices.Interruptible,
			})
		}
		out[key] = p
	}
	c.pricing.Store(&out)
	return clonePricing(out), nil
}

// cloneTypes deep-copies a cached snapshot, which every reader shares.
func cloneTypes(m map[string]model.GPUType) map[string]model.GPUType {
	out := make(map[string]model.GPUType, len(m))
	for id, g := range m {
		out[id] = g.Clone()
	}
	return out
}

func clonePricing(m map[string]model.GPUPricing) map[string]model.GPUPricing {
	out := make(map[string]model.GPUPricing, len(m))
	for key, p := range m {
		out[key] = p.Clone()
	}
	return out
}

// GetType returns one GPU type, or false if the catalog does not list it.
func (c *Client) GetType(ctx context.Context, id string) (model.GPUType, bool, error) {
	types, err := c.Types(ctx, false)
	if err != nil {
		return model.GPUType{}, false, err
	}
	g, ok := types[id]
	return g, ok, nil
}

// GetRegion returns one region, or false if the catalog does not list it.
func (c *Client) GetRegion(ctx context.Context, id string) (model.Region, bool, error) {
	regions, err := c.Regions(ctx, false)
	if err != nil {
		return model.Region{}, false, err
	}
	r, ok := regions[id]
	return r, ok, nil
}

// GetPrice returns the hourly price of a configuration in a region. It
// returns nil when the configuration, region or requested tier is unpriced.
func (c *Client) GetPrice(ctx context.Context, gpuType string, gpuCount int, region string, interruptible bool) (*float64, error) {
	if gpuCount <= 0 {
		gpuCount = 1
	}
	pricing, err := c.Pricing(ctx, false)
	if err != nil {
		return nil, err
	}
	p, ok := pricing[model.PricingKey(gpuType, gpuCount)]
	if !ok || region == "" {
		return nil, nil
	}
	tier, ok := p.Tier(region)
	if !ok {
		return nil, nil
	}
	if interruptible {
		return tier.Interruptible, nil
	}
	return tier.OnDemand, nil
}

// ListAvailable flattens the catalogs into one row per (type, count,
// region) offering, optionally filtered by type and region. Rows are sorted
// by type, count and region.
func (c *Client) ListAvailable(ctx context.Context, gpuType, region string) ([]model.AvailableGPU, error) {
	var (
		types   map[string]model.GPUType
		regions map[string]model.Region
		pricing map[string]model.GPUPricing
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		types, err = c.Types(gctx, false)
		return err
	})
	g.Go(func() (err error) {
		regions, err = c.Regions(gctx, false)
		return err
	})
	g.Go(func() (err error) {
		pricing, err = c.Pricing(gctx, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []model.AvailableGPU
	for typeID, gpu := range types {
		if gpuType != "" && typeID != gpuType {
			continue
		}
		for _, cfg := range gpu.Configs {
			p, priced := pricing[model.PricingKey(typeID, cfg.GPUCount)]
			for _, r := range cfg.Regions {
				if region != "" && r != region {
					continue
				}
				row := model.AvailableGPU{
					GPUType:    typeID,
					GPUName:    gpu.Name,
					GPUCount:   cfg.GPUCount,
					CPUCores:   cfg.CPUCores,
					MemoryGB:   cfg.MemoryGB,
					StorageGB:  cfg.StorageGB,
					Region:     r,
					RegionName: r,
				}
				if info, ok := regions[r]; ok {
					row.RegionName = info.Description
					row.Country = info.Country
				}
				if priced {
					if tier, ok := p.Tier(r); ok {
						row.PriceSpot = tier.Interruptible
						row.PriceOnDemand = tier.OnDemand
					}
				}
				out = append(out, row)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.AvailableGPU) int {
		return cmp.Or(
			cmp.Compare(a.GPUType, b.GPUType),
			cmp.Compare(a.GPUCount, b.GPUCount),
			cmp.Compare(a.Region, b.Region),
		)
	})
	return out, nil
}

// AvailableRegions returns the regions offering gpu with gpuCount GPUs.
func AvailableRegions(gpu model.GPUType, gpuCount int) []string {
	for _, cfg := range gpu.Configs {
		if cfg.GPUCount == gpuCount {
			return slices.Clone(cfg.Regions)
		}
	}
	return []string{}
}

// AvailableCounts returns the GPU counts gpu is offered in somewhere.
func AvailableCounts(gpu model.GPUType) []int {
	counts := []int{}
	for _, cfg := range gpu.Configs {
		if len(cfg.Regions) > 0 {
			counts = append(counts, cfg.GPUCount)
		}
	}
	return counts
}

// Capacity returns the live capacity report, optionally for one GPU type.
// Its shape is defined by the control plane and passed through untyped.
func (c *Client) Capacity(ctx context.Context, gpuType string) (map[string]any, error) {
	var q url.Values
	if gpuType != "" {
		q = url.Values{"gpu_type": {gpuType}}
	}
	out := map[string]any{}
	if err := c.t.Get(ctx, "/jobs/instances/capacity", q, &out); err != nil {
		return nil, fmt.Errorf("get capacity: %w", err)
	}
	return out, nil
}
