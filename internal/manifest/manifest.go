// Package manifest holds the static field registry: for each node type, the
// fields it publishes on the event bus and the node types and fields it
// subscribes to.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

//go:embed manifests.toml
var defaultCatalog []byte

// Field is a published field declaration. Path is dot notation into a node's
// data; a segment ending in "[]" maps the remainder over the array's items.
type Field struct {
	ID       string `toml:"id" json:"id"`
	Name     string `toml:"name" json:"name"`
	Path     string `toml:"path" json:"path"`
	Critical bool   `toml:"critical" json:"critical"`
}

// Subscriptions declares which publisher node types a manifest listens to,
// and which of their fields. A type with no field list listens to all of
// the publisher's fields.
type Subscriptions struct {
	NodeTypes []model.NodeType            `json:"nodeTypes"`
	Fields    map[model.NodeType][]string `json:"fields"`
}

// Manifest is the declaration for one node type.
type Manifest struct {
	NodeType   model.NodeType `json:"nodeType"`
	Publishes  []Field        `json:"publishes"`
	Subscribes Subscriptions  `json:"subscribes"`
}

// Field returns the published field with the given id.
func (m *Manifest) Field(id string) (Field, bool) {
	for _, f := range m.Publishes {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Catalog is an immutable set of manifests keyed by node type. All lookups
// on unknown types return empty results rather than errors.
type Catalog struct {
	manifests map[model.NodeType]*Manifest
}

type fileManifest struct {
	Publishes  []Field             `toml:"publishes"`
	Subscribes map[string][]string `toml:"subscribes"`
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("manifest: embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a TOML file. An empty path returns Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a TOML catalog and validates it.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]fileManifest
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	c := &Catalog{manifests: make(map[model.NodeType]*Manifest, len(raw))}
	for name, fm := range raw {
		nt := model.NodeType(name)
		if !nt.IsValid() {
			return nil, fmt.Errorf("unknown node type %q", name)
		}
		m := &Manifest{
			NodeType:  nt,
			Publishes: make([]Field, 0, len(fm.Publishes)),
			Subscribes: Subscriptions{
				Fields: make(map[model.NodeType][]string, len(fm.Subscribes)),
			},
		}
		seen := make(map[string]bool, len(fm.Publishes))
		for _, f := range fm.Publishes {
			if f.ID == "" {
				return nil, fmt.Errorf("%s: field with empty id", name)
			}
			if seen[f.ID] {
				return nil, fmt.Errorf("%s: duplicate field %q", name, f.ID)
			}
			seen[f.ID] = true
			if f.Path == "" {
				f.Path = f.ID
			}
			if f.Name == "" {
				f.Name = f.ID
			}
			m.Publishes = append(m.Publishes, f)
		}
		for pub, fields := range fm.Subscribes {
			pt := model.NodeType(pub)
			if !pt.IsValid() {
				return nil, fmt.Errorf("%s: subscribes to unknown node type %q", name, pub)
			}
			m.Subscribes.NodeTypes = append(m.Subscribes.NodeTypes, pt)
			m.Subscribes.Fields[pt] = append([]string(nil), fields...)
		}
		sort.Slice(m.Subscribes.NodeTypes, func(i, j int) bool {
			return m.Subscribes.NodeTypes[i] < m.Subscribes.NodeTypes[j]
		})
		c.manifests[nt] = m
	}

	// Subscribed field ids must exist on the publisher's manifest.
	for _, m := range c.manifests {
		for pt, fields := range m.Subscribes.Fields {
			pm, ok := c.manifests[pt]
			if !ok {
				if len(fields) > 0 {
					return nil, fmt.Errorf("%s: subscribes to fields of %s which has no manifest", m.NodeType, pt)
				}
				continue
			}
			for _, id := range fields {
				if _, ok := pm.Field(id); !ok {
					return nil, fmt.Errorf("%s: %s does not publish %q", m.NodeType, pt, id)
				}
			}
		}
	}
	return c, nil
}

// Manifest returns the manifest for a node type, or nil when none exists.
func (c *Catalog) Manifest(t model.NodeType) *Manifest {
	if c == nil {
		return nil
	}
	return c.manifests[t]
}

// Types returns every node type with a manifest, sorted.
func (c *Catalog) Types() []model.NodeType {
	if c == nil {
		return nil
	}
	out := make([]model.NodeType, 0, len(c.manifests))
	for t := range c.manifests {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// DoesSubscribe reports whether subscriberType listens to publisherType.
func (c *Catalog) DoesSubscribe(subscriberType, publisherType model.NodeType) bool {
	m := c.Manifest(subscriberType)
	if m == nil {
		return false
	}
	return slices.Contains(m.Subscribes.NodeTypes, publisherType)
}

// SubscribedFields returns the publisher fields subscriberType listens to.
// When the subscription names no fields every published field is returned.
func (c *Catalog) SubscribedFields(subscriberType, publisherType model.NodeType) []string {
	m := c.Manifest(subscriberType)
	if m == nil {
		return nil
	}
	fields, ok := m.Subscribes.Fields[publisherType]
	if !ok {
		return nil
	}
	if len(fields) > 0 {
		return append([]string(nil), fields...)
	}
	pm := c.Manifest(publisherType)
	if pm == nil {
		return nil
	}
	out := make([]string, len(pm.Publishes))
	for i, f := range pm.Publishes {
		out[i] = f.ID
	}
	return out
}

// IsCritical reports whether fieldID is a critical published field of t.
func (c *Catalog) IsCritical(t model.NodeType, fieldID string) bool {
	m := c.Manifest(t)
	if m == nil {
		return false
	}
	f, ok := m.Field(fieldID)
	return ok && f.Critical
}

// Extract resolves f.Path against data. Array segments ("items[]") collect
// the remainder of the path from every item into a []any.
func (f Field) Extract(data map[string]any) (any, bool) {
	return extract(data, strings.Split(f.Path, "."))
}

func extract(v any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return v, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	seg := segs[0]
	key, isArray := strings.CutSuffix(seg, "[]")
	val, ok := m[key]
	if !ok {
		return nil, false
	}
	if !isArray {
		return extract(val, segs[1:])
	}
	items, ok := val.([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if x, ok := extract(item, segs[1:]); ok {
			out = append(out, x)
		}
	}
	return out, true
}
