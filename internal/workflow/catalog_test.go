package workflow

import (
	"strings"
	"testing"
)

func TestParseObjectInfo(t *testing.T) {
	info := `{
		"KSampler": {
			"input": {
				"required": {
					"model": ["MODEL"],
					"seed": ["INT", {"default": 0, "control_after_generate": true}],
					"sampler_name": [["euler", "dpm_2"], {}],
					"scheduler": ["COMBO", {"options": ["normal", "karras"]}]
				},
				"optional": {"denoise": ["FLOAT", {"default": 1.0}]}
			},
			"input_order": {"required": ["model", "seed", "sampler_name", "scheduler"], "optional": ["denoise"]},
			"output": ["LATENT"]
		},
		"Unordered": {
			"input": {"required": {"zeta": ["STRING"], "alpha": ["BOOLEAN"], "mid": ["IMAGE"]}}
		}
	}`
	cat, err := ParseObjectInfo([]byte(info))
	if err != nil {
		t.Fatalf("ParseObjectInfo: %v", err)
	}
	if got := strings.Join(cat.Types(), ","); got != "KSampler,Unordered" {
		t.Errorf("Types = %s", got)
	}

	known, ok := cat.Resolve("KSampler").(Known)
	if !ok {
		t.Fatal("KSampler unresolved")
	}
	op := known.Operator
	var names []string
	for _, f := range op.Fields() {
		names = append(names, f.Name+":"+f.Kind.String())
	}
	if got := strings.Join(names, ","); got != "model:connection,seed:int,sampler_name:enum,scheduler:enum,denoise:float" {
		t.Errorf("fields = %s", got)
	}
	seed, _ := op.Field("seed")
	if !seed.ControlAfterGenerate {
		t.Error("seed.ControlAfterGenerate = false")
	}
	sched, _ := op.Field("scheduler")
	if strings.Join(sched.Choices, ",") != "normal,karras" {
		t.Errorf("scheduler choices = %v", sched.Choices)
	}
	if len(op.Outputs) != 1 || op.Outputs[0] != "LATENT" {
		t.Errorf("outputs = %v", op.Outputs)
	}

	un := cat.Resolve("Unordered").(Known).Operator
	var order []string
	for _, f := range un.Required {
		order = append(order, f.Name)
	}
	if got := strings.Join(order, ","); got != "zeta,alpha,mid" {
		t.Errorf("document order = %s", got)
	}
}

func TestParseObjectInfoRejectsMalformed(t *testing.T) {
	for _, doc := range []string{`[]`, `{"X":{"input":{"required":{"a":"INT"}}}}`} {
		if _, err := ParseObjectInfo([]byte(doc)); err == nil {
			t.Errorf("ParseObjectInfo(%s) succeeded", doc)
		}
	}
}

func TestResolveUnrecognized(t *testing.T) {
	r := DefaultCatalog().Resolve("NoSuchNode")
	u, ok := r.(Unrecognized)
	if !ok || u.Type != "NoSuchNode" {
		t.Errorf("Resolve = %#v", r)
	}
	var nilCat *Catalog
	if _, ok := nilCat.Resolve("KSampler").(Unrecognized); !ok {
		t.Error("nil catalog resolved an operator")
	}
}

func TestDefaultCatalogKSamplerOrder(t *testing.T) {
	op := DefaultCatalog().Resolve("KSampler").(Known).Operator
	var widgets []string
	for _, f := range op.Fields() {
		if f.Kind.IsWidget() {
			widgets = append(widgets, f.Name)
		}
	}
	if got := strings.Join(widgets, ","); got != "seed,steps,cfg,sampler_name,scheduler,denoise" {
		t.Errorf("widget order = %s", got)
	}
}
