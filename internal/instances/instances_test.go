package instances

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/seantiz/anvil/internal/transport"
)

const (
	typesBody = `{
		"h100": {"name": "NVIDIA H100", "configs": [
			{"gpu_count": 1, "cpu_cores": 16, "memory_gb": 128, "storage_gb": 500, "regions": ["us-east", "eu-west"]},
			{"gpu_count": 8, "cpu_cores": 128, "memory_gb": 1024, "storage_gb": 4000, "regions": ["us-east"]},
			{"gpu_count": 4, "regions": []}
		]},
		"l40s": {"configs": [{"regions": ["eu-west"]}]}
	}`
	regionsBody = `{"us-east": {"description": "US East", "country": "US"}, "eu-west": {"country": "NL"}}`
	pricingBody = `{
		"h100_x1": {"us-east": {"on-demand": 3.5, "interruptable": 2.1}, "eu-west": {"on-demand": 3.9}},
		"h100_x8": {"us-east": {"on-demand": 28.0, "interruptable": 16.8}}
	}`
)

type catalogServer struct {
	hits atomic.Int32
}

func (s *catalogServer) handler() http.Handler {
	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.hits.Add(1)
			io.WriteString(w, body)
		}
	}
	mux.HandleFunc("GET /instances/types", serve(typesBody))
	mux.HandleFunc("GET /instances/regions", serve(regionsBody))
	mux.HandleFunc("GET /instances/pricing", serve(pricingBody))
	mux.HandleFunc("GET /jobs/instances/capacity", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"gpu_type":"`+r.URL.Query().Get("gpu_type")+`","available":3}`)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *catalogServer) {
	t.Helper()
	cs := &catalogServer{}
	ts := httptest.NewServer(cs.handler())
	t.Cleanup(ts.Close)
	return New(transport.New(ts.URL, "k")), cs
}

func TestTypesNormalizesAndCaches(t *testing.T) {
	c, cs := newTestClient(t)
	ctx := context.Background()

	types, err := c.Types(ctx, false)
	if err != nil {
		t.Fatalf("Types: %v", err)
	}
	l40s := types["l40s"]
	if l40s.ID != "l40s" || l40s.Name != "l40s" {
		t.Errorf("l40s = %+v, want id and name defaulted", l40s)
	}
	if l40s.Configs[0].GPUCount != 1 {
		t.Errorf("GPUCount default = %d, want 1", l40s.Configs[0].GPUCount)
	}

	if _, err := c.Types(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := cs.hits.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (cached)", got)
	}
	if _, err := c.Types(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := cs.hits.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2 after refresh", got)
	}

	// Mutating a returned map does not leak into the cache.
	delete(types, "h100")
	again, _ := c.Types(ctx, false)
	if _, ok := again["h100"]; !ok {
		t.Error("cache was mutated through a returned map")
	}
}

func TestRegionsDefaults(t *testing.T) {
	c, _ := newTestClient(t)
	r, ok, err := c.GetRegion(context.Background(), "eu-west")
	if err != nil || !ok {
		t.Fatalf("GetRegion = %v, %v", ok, err)
	}
	if r.Description != "eu-west" || r.Country != "NL" {
		t.Errorf("region = %+v", r)
	}
	if _, ok, _ := c.GetRegion(context.Background(), "mars"); ok {
		t.Error("GetRegion(mars) found a region")
	}
}

func TestGetPrice(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		gpuType       string
		count         int
		region        string
		interruptible bool
		want          *float64
	}{
		{"spot", "h100", 1, "us-east", true, ptr(2.1)},
		{"on demand", "h100", 8, "us-east", false, ptr(28.0)},
		{"missing tier", "h100", 1, "eu-west", true, nil},
		{"no region", "h100", 1, "", true, nil},
		{"unknown config", "h100", 2, "us-east", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.GetPrice(ctx, tt.gpuType, tt.count, tt.region, tt.interruptible)
			if err != nil {
				t.Fatalf("GetPrice: %v", err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("GetPrice = %v, want %v", deref(got), deref(tt.want))
			}
		})
	}
}

func TestListAvailable(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	all, err := c.ListAvailable(ctx, "", "")
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}
	var keys []string
	for _, a := range all {
		keys = append(keys, a.GPUType+"/"+a.Region+"/"+strconv.Itoa(a.GPUCount))
	}
	want := []string{"h100/eu-west/1", "h100/us-east/1", "h100/us-east/8", "l40s/eu-west/1"}
	if len(keys) != len(want) {
		t.Fatalf("rows = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("row[%d] = %s, want %s", i, keys[i], want[i])
		}
	}

	filtered, err := c.ListAvailable(ctx, "h100", "us-east")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Fatalf("filtered rows = %d, want 2", len(filtered))
	}
	first := filtered[0]
	if first.RegionName != "US East" || first.Country != "US" || deref(first.PriceSpot) != 2.1 || deref(first.PriceOnDemand) != 3.5 {
		t.Errorf("row = %+v", first)
	}
}

func TestAvailableRegionsAndCounts(t *testing.T) {
	c, _ := newTestClient(t)
	h100, ok, err := c.GetType(context.Background(), "h100")
	if err != nil || !ok {
		t.Fatalf("GetType = %v, %v", ok, err)
	}
	if got := AvailableRegions(h100, 8); len(got) != 1 || got[0] != "us-east" {
		t.Errorf("AvailableRegions(8) = %v", got)
	}
	if got := AvailableRegions(h100, 3); len(got) != 0 {
		t.Errorf("AvailableRegions(3) = %v, want empty", got)
	}
	counts := AvailableCounts(h100)
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 8 {
		t.Errorf("AvailableCounts = %v, want [1 8]", counts)
	}
}

func TestCapacity(t *testing.T) {
	c, _ := newTestClient(t)
	got, err := c.Capacity(context.Background(), "h100")
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if got["gpu_type"] != "h100" || got["available"] != float64(3) {
		t.Errorf("Capacity = %v", got)
	}
}

func TestConcurrentReadsDuringRefresh(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			types, err := c.Types(ctx, i%5 == 0)
			if err != nil {
				t.Errorf("Types: %v", err)
				return
			}
			if len(types) != 2 {
				t.Errorf("saw %d types, want 2", len(types))
			}
		})
	}
	wg.Wait()
}

func ptr(f float64) *float64 { return &f }

func deref(f *float64) float64 {
	if f == nil {
		return -1
	}
	return *f
}

func TestCatalogReadsDoNotShareSnapshot(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	types, err := c.Types(ctx, false)
	if err != nil {
		t.Fatalf("Types: %v", err)
	}
	types["h100"].Configs[0].Regions[0] = "mutated"
	AvailableRegions(types["h100"], 1)[1] = "mutated"

	pricing, err := c.Pricing(ctx, false)
	if err != nil {
		t.Fatalf("Pricing: %v", err)
	}
	*pricing["h100_x1"].Tiers[0].OnDemand = -1

	again, err := c.Types(ctx, false)
	if err != nil {
		t.Fatalf("Types: %v", err)
	}
	if got := AvailableRegions(again["h100"], 1); len(got) != 2 || got[0] != "us-east" || got[1] != "eu-west" {
		t.Errorf("cached regions = %v, want [us-east eu-west]", got)
	}
	price, err := c.GetPrice(ctx, "h100", 1, "eu-west", false)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price == nil || *price != 3.9 {
		t.Errorf("cached eu-west price = %v, want 3.9", price)
	}
}
