package workflow

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"minimal", `{"nodes":[]}`, ""},
		{"object links", `{"nodes":[{"id":1}],"links":[{"id":1,"origin_id":1,"origin_slot":0}]}`, ""},
		{"not json", `{nodes`, "parse graph"},
		{"missing nodes", `{"links":[]}`, "invalid graph"},
		{"node without id", `{"nodes":[{"type":"KSampler"}]}`, "invalid graph"},
		{"bad mode", `{"nodes":[{"id":1,"mode":"on"}]}`, "invalid graph"},
		{"short link", `{"nodes":[],"links":[[1,2]]}`, "invalid graph"},
		{"large integer id", `{"nodes":[{"id":12345678901234567890}]}`, ""},
		{"fractional id", `{"nodes":[{"id":1.5}]}`, "invalid graph"},
		{"fractional mode", `{"nodes":[{"id":1,"mode":0.5}]}`, "invalid graph"},
		{"scalar widgets", `{"nodes":[{"id":1,"widgets_values":3}]}`, "invalid graph"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.doc))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeGraphLinkForms(t *testing.T) {
	g, err := DecodeGraph([]byte(`{"nodes":[{"id":1},{"id":"2"}],"links":[
		[7, 1, 0, "2", 3, "MODEL"],
		{"id":8,"origin_id":"2","origin_slot":1,"target_id":1,"target_slot":0,"type":"*"},
		[9, 1, 2, 2, 0, 0]
	]}`))
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	want := []Link{
		{ID: 7, Origin: "1", OriginSlot: 0, Target: "2", TargetSlot: 3, Type: "MODEL"},
		{ID: 8, Origin: "2", OriginSlot: 1, Target: "1", TargetSlot: 0, Type: "*"},
		{ID: 9, Origin: "1", OriginSlot: 2, Target: "2", TargetSlot: 0},
	}
	if len(g.Links) != len(want) {
		t.Fatalf("links = %+v", g.Links)
	}
	for i := range want {
		if g.Links[i] != want[i] {
			t.Errorf("link %d = %+v, want %+v", i, g.Links[i], want[i])
		}
	}
	if g.Node("2") == nil {
		t.Error("string node id not found")
	}
}
