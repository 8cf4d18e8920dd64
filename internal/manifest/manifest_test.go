package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

func TestDefault_CoversEveryNodeType(t *testing.T) {
	c := Default()
	for _, nt := range []model.NodeType{
		model.TypeFeature, model.TypeTeam, model.TypeTeamMember, model.TypeProvider,
		model.TypeMilestone, model.TypeOption, model.TypeMeta,
	} {
		if c.Manifest(nt) == nil {
			t.Errorf("no manifest for %s", nt)
		}
	}
}

func TestDoesSubscribe(t *testing.T) {
	c := Default()
	for _, tc := range []struct {
		sub, pub model.NodeType
		want     bool
	}{
		{model.TypeFeature, model.TypeTeam, true},
		{model.TypeFeature, model.TypeFeature, true},
		{model.TypeTeam, model.TypeTeamMember, true},
		{model.TypeTeam, model.TypeFeature, false},
		{model.TypeMeta, model.TypeFeature, false},
		{"unknown", model.TypeFeature, false},
		{model.TypeFeature, "unknown", false},
	} {
		if got := c.DoesSubscribe(tc.sub, tc.pub); got != tc.want {
			t.Errorf("DoesSubscribe(%s, %s) = %v, want %v", tc.sub, tc.pub, got, tc.want)
		}
	}
}

func TestSubscribedFields(t *testing.T) {
	c := Default()

	got := c.SubscribedFields(model.TypeTeam, model.TypeTeamMember)
	want := []string{"title", "hoursPerDay", "daysPerWeek", "dailyRate"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("team<-teamMember = %v, want %v", got, want)
	}

	// An empty field list expands to every field the publisher declares.
	all := c.SubscribedFields(model.TypeMilestone, model.TypeFeature)
	if len(all) != len(c.Manifest(model.TypeFeature).Publishes) {
		t.Errorf("milestone<-feature = %v, want all feature fields", all)
	}

	if got := c.SubscribedFields(model.TypeMeta, model.TypeFeature); got != nil {
		t.Errorf("meta<-feature = %v, want nil", got)
	}
	if got := c.SubscribedFields("unknown", model.TypeFeature); got != nil {
		t.Errorf("unknown<-feature = %v, want nil", got)
	}
}

func TestIsCritical(t *testing.T) {
	c := Default()
	for _, tc := range []struct {
		nt    model.NodeType
		field string
		want  bool
	}{
		{model.TypeFeature, "originalEstimate", true},
		{model.TypeFeature, "title", false},
		{model.TypeTeamMember, "dailyRate", true},
		{model.TypeFeature, "missing", false},
		{"unknown", "title", false},
	} {
		if got := c.IsCritical(tc.nt, tc.field); got != tc.want {
			t.Errorf("IsCritical(%s, %s) = %v, want %v", tc.nt, tc.field, got, tc.want)
		}
	}
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	if c.Manifest(model.TypeFeature) != nil || c.DoesSubscribe(model.TypeFeature, model.TypeTeam) ||
		c.IsCritical(model.TypeFeature, "title") || c.Types() != nil {
		t.Error("nil catalog should answer every lookup with an empty result")
	}
}

func TestFieldExtract(t *testing.T) {
	data := map[string]any{
		"title": "Checkout",
		"costs": map[string]any{"fixed": 1200.0},
		"teamAllocations": []any{
			map[string]any{"teamId": "t1"},
			map[string]any{"teamId": "t2"},
			"junk",
		},
	}
	for _, tc := range []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"title", "Checkout", true},
		{"costs.fixed", 1200.0, true},
		{"costs.variable", nil, false},
		{"teamAllocations[].teamId", []any{"t1", "t2"}, true},
		{"title[].x", nil, false},
		{"missing", nil, false},
	} {
		got, ok := Field{Path: tc.path}.Extract(data)
		if ok != tc.wantOK || !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Extract(%q) = %v, %v; want %v, %v", tc.path, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		input   string
		wantErr string
	}{
		{"UnknownType", "[epic]\npublishes = []\n", "unknown node type"},
		{"DuplicateField", "[meta]\npublishes = [{ id = \"a\" }, { id = \"a\" }]\n", "duplicate field"},
		{"EmptyID", "[meta]\npublishes = [{ path = \"a\" }]\n", "empty id"},
		{"UnknownKey", "[meta]\npublish = []\n", "unknown key"},
		{"UnpublishedField", "[meta]\npublishes = []\n[team]\npublishes = []\n[team.subscribes]\nmeta = [\"nope\"]\n", "does not publish"},
		{"BadSyntax", "[meta\n", "decode catalog"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Parse error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte("[meta]\npublishes = [{ id = \"notes\" }]\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, ok := c.Manifest(model.TypeMeta).Field("notes")
	if !ok {
		t.Fatal("field notes not found")
	}
	if f.Path != "notes" || f.Name != "notes" {
		t.Errorf("field = %+v, want path and name defaulted to id", f)
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	if err != nil || c.Manifest(model.TypeFeature) == nil {
		t.Fatalf("Load(\"\") = %v, %v; want default catalog", c, err)
	}

	path := filepath.Join(t.TempDir(), "manifests.toml")
	if err := os.WriteFile(path, []byte("[meta]\npublishes = [{ id = \"title\" }]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Types(); !reflect.DeepEqual(got, []model.NodeType{model.TypeMeta}) {
		t.Errorf("Types() = %v, want [meta]", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
