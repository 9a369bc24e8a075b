// Package registry resolves serialized Builder/Store descriptions into
// live values via a tagged-union constructor map, adapted from the
// teacher's network service registry (service ID -> URL) to a local type
// registry (type tag -> constructor). Unknown tags are a ConfigError,
// caught before any items flow.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"maggma.dev/builder"
	"maggma.dev/store"
)

// StoreDescriptor is the serialized shape of one Store, as it appears
// nested inside a BuilderDescriptor's sources/targets/auxiliary lists.
// Type is the reserved tag resolved against the Registry's Store
// constructors; Params carries adapter-specific fields (path, collection,
// credentials key) opaquely.
type StoreDescriptor struct {
	Type        string         `yaml:"type" json:"type"`
	Name        string         `yaml:"name" json:"name"`
	Key         string         `yaml:"key" json:"key"`
	LastUpdated string         `yaml:"last_updated_field" json:"last_updated_field"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// BuilderDescriptor is the serialized shape of one Builder.
type BuilderDescriptor struct {
	Type      string            `yaml:"type" json:"type"`
	Name      string            `yaml:"name" json:"name"`
	Sources   []StoreDescriptor `yaml:"sources" json:"sources"`
	Targets   []StoreDescriptor `yaml:"targets" json:"targets"`
	Auxiliary []StoreDescriptor `yaml:"auxiliary,omitempty" json:"auxiliary,omitempty"`
	ChunkSize int               `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	Params    map[string]any    `yaml:"params,omitempty" json:"params,omitempty"`
}

// StoreConstructor builds a store.Store from a StoreDescriptor.
type StoreConstructor func(StoreDescriptor) (store.Store, error)

// BuilderConstructor builds a builder.Builder from a BuilderDescriptor and
// its already-resolved Sources/Targets/Auxiliary Stores.
type BuilderConstructor func(desc BuilderDescriptor, sources, targets, auxiliary []store.Store) (builder.Builder, error)

// Registry is a tagged-union constructor map: one map of Store
// constructors keyed by type tag, one of Builder constructors. Safe for
// concurrent registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	stores   map[string]StoreConstructor
	builders map[string]BuilderConstructor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		stores:   make(map[string]StoreConstructor),
		builders: make(map[string]BuilderConstructor),
	}
}

// RegisterStore associates tag with a Store constructor. Re-registering an
// existing tag replaces it, which lets tests override a production
// adapter's tag with a MemoryStore-backed fake.
func (r *Registry) RegisterStore(tag string, ctor StoreConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[tag] = ctor
}

// RegisterBuilder associates tag with a Builder constructor.
func (r *Registry) RegisterBuilder(tag string, ctor BuilderConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[tag] = ctor
}

// NewStore resolves desc.Type against the registered Store constructors.
func (r *Registry) NewStore(desc StoreDescriptor) (store.Store, error) {
	r.mu.RLock()
	ctor, ok := r.stores[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, builder.NewConfigError("new_store", fmt.Errorf("unknown store type %q", desc.Type))
	}
	s, err := ctor(desc)
	if err != nil {
		return nil, builder.NewConfigError("new_store:"+desc.Type, err)
	}
	return s, nil
}

// NewBuilder resolves desc.Type against the registered Builder
// constructors, first resolving every nested Store descriptor.
func (r *Registry) NewBuilder(desc BuilderDescriptor) (builder.Builder, error) {
	r.mu.RLock()
	ctor, ok := r.builders[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, builder.NewConfigError("new_builder", fmt.Errorf("unknown builder type %q", desc.Type))
	}

	sources, err := r.resolveStores(desc.Sources)
	if err != nil {
		return nil, err
	}
	targets, err := r.resolveStores(desc.Targets)
	if err != nil {
		return nil, err
	}
	auxiliary, err := r.resolveStores(desc.Auxiliary)
	if err != nil {
		return nil, err
	}

	b, err := ctor(desc, sources, targets, auxiliary)
	if err != nil {
		return nil, builder.NewConfigError("new_builder:"+desc.Type, err)
	}
	return b, nil
}

func (r *Registry) resolveStores(descs []StoreDescriptor) ([]store.Store, error) {
	out := make([]store.Store, 0, len(descs))
	for _, d := range descs {
		s, err := r.NewStore(d)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// StoreTags reports every registered Store type tag, sorted for stable
// --help / diagnostic output.
func (r *Registry) StoreTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.stores))
	for t := range r.stores {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// BuilderTags reports every registered Builder type tag.
func (r *Registry) BuilderTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.builders))
	for t := range r.builders {
		tags = append(tags, t)
	}
	return tags
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide Registry, created (and populated by
// RegisterDefaults) on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New()
		RegisterDefaults(defaultReg)
	})
	return defaultReg
}

// RegisterDefaults wires the reference Store adapters this repository
// ships with (memory, bolt) plus the two compound adapters built on top of
// them (concat, join). Production adapters for networked Stores are out of
// scope and are never registered here; a deployment that needs one
// registers it itself before calling runner.Runner.RunSpecs.
//
// template.MapBuilder and template.GroupBuilder are deliberately not
// registered under a tag here: their defining feature is a per-item (or
// per-group) transform function, and a function value has no textual
// encoding a BuilderDescriptor could carry. A deployment wraps its own
// transform in a BuilderConstructor and calls RegisterBuilder itself, or
// skips the registry path entirely and hands the runner an already
// constructed Builder (runner.BuilderSpec.Builder).
func RegisterDefaults(r *Registry) {
	r.RegisterStore("memory", func(d StoreDescriptor) (store.Store, error) {
		return store.NewMemoryStore(d.Name, d.Key, d.LastUpdated), nil
	})
	r.RegisterStore("bolt", func(d StoreDescriptor) (store.Store, error) {
		path, _ := d.Params["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("bolt store %q: params.path is required", d.Name)
		}
		return store.NewBoltStore(path, d.Name, d.Key, d.LastUpdated)
	})

	// concat and join wrap other, already-describable Stores, so their
	// params carry nested StoreDescriptors rather than scalar fields; r
	// resolves each member through the same registry, so a concat member
	// can itself be a bolt store, another concat, and so on.
	r.RegisterStore("concat", func(d StoreDescriptor) (store.Store, error) {
		rawMembers, _ := d.Params["members"].([]any)
		if len(rawMembers) == 0 {
			return nil, fmt.Errorf("concat store %q: params.members must list at least one member", d.Name)
		}
		members := make([]store.Store, 0, len(rawMembers))
		for i, raw := range rawMembers {
			memberDesc, err := decodeStoreDescriptor(raw)
			if err != nil {
				return nil, fmt.Errorf("concat store %q: member %d: %w", d.Name, i, err)
			}
			m, err := r.NewStore(memberDesc)
			if err != nil {
				return nil, fmt.Errorf("concat store %q: member %d: %w", d.Name, i, err)
			}
			members = append(members, m)
		}
		return store.NewConcatStore(d.Name, members...), nil
	})
	r.RegisterStore("join", func(d StoreDescriptor) (store.Store, error) {
		onField, _ := d.Params["on_field"].(string)
		if onField == "" {
			return nil, fmt.Errorf("join store %q: params.on_field is required", d.Name)
		}
		primaryRaw, ok := d.Params["primary"]
		if !ok {
			return nil, fmt.Errorf("join store %q: params.primary is required", d.Name)
		}
		secondaryRaw, ok := d.Params["secondary"]
		if !ok {
			return nil, fmt.Errorf("join store %q: params.secondary is required", d.Name)
		}
		primaryDesc, err := decodeStoreDescriptor(primaryRaw)
		if err != nil {
			return nil, fmt.Errorf("join store %q: primary: %w", d.Name, err)
		}
		secondaryDesc, err := decodeStoreDescriptor(secondaryRaw)
		if err != nil {
			return nil, fmt.Errorf("join store %q: secondary: %w", d.Name, err)
		}
		primary, err := r.NewStore(primaryDesc)
		if err != nil {
			return nil, fmt.Errorf("join store %q: primary: %w", d.Name, err)
		}
		secondary, err := r.NewStore(secondaryDesc)
		if err != nil {
			return nil, fmt.Errorf("join store %q: secondary: %w", d.Name, err)
		}
		return store.NewJoinStore(d.Name, primary, secondary, onField), nil
	})
}

// decodeStoreDescriptor converts a params value carrying a nested store
// description (as decoded generically from YAML into map[string]any by
// cli.loadDescriptors) into a StoreDescriptor, round-tripping through YAML
// rather than requiring every caller to hand-walk the map.
func decodeStoreDescriptor(raw any) (StoreDescriptor, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return StoreDescriptor{}, err
	}
	var d StoreDescriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return StoreDescriptor{}, err
	}
	return d, nil
}
