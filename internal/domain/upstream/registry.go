package upstream

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by registry lookups and mutations.
var (
	// ErrNotFound indicates the named upstream is absent from the registry.
	ErrNotFound = errors.New("upstream not found")
	// ErrAlreadyExists indicates a registration collides with an existing name.
	ErrAlreadyExists = errors.New("upstream already exists")
)

// Snapshot is an immutable view of the registry. Readers obtained a
// snapshot see either the state before or after a reload, never a mix.
type Snapshot struct {
	byName map[string]*Descriptor
	names  []string
}

// Get returns the descriptor for name, or ErrNotFound.
func (s *Snapshot) Get(name string) (*Descriptor, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// All returns every descriptor in name order.
func (s *Snapshot) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

// Enabled returns the enabled descriptors in name order.
func (s *Snapshot) Enabled() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.names))
	for _, n := range s.names {
		if d := s.byName[n]; d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered upstreams.
func (s *Snapshot) Len() int { return len(s.names) }

// registryFile is the on-disk shape of the server registry.
type registryFile struct {
	Servers map[string]*Descriptor `yaml:"servers"`
}

// Registry holds the upstream configuration. The file on disk is the
// source of truth; the in-memory snapshot is swapped atomically on every
// reload or mutation so concurrent readers never observe a partial state.
type Registry struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry backed by the YAML file at path.
// The file is not read until Load is called.
func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger}
	r.current.Store(&Snapshot{byName: map[string]*Descriptor{}})
	return r
}

// Load reads the registry file, validates every descriptor, and swaps in
// the new snapshot. A missing file is bootstrapped with a disabled
// example entry so operators have a template to edit.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Info("server registry missing, writing default", "path", r.path)
		if err := r.bootstrap(); err != nil {
			return err
		}
		data, err = os.ReadFile(r.path)
	}
	if err != nil {
		return fmt.Errorf("read server registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse server registry: %w", err)
	}

	snap := &Snapshot{byName: make(map[string]*Descriptor, len(file.Servers))}
	for name, desc := range file.Servers {
		if desc == nil {
			desc = &Descriptor{}
		}
		desc.Name = name
		warn := func(msg string) { r.logger.Warn(msg) }
		if err := desc.Validate(warn); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		snap.byName[name] = desc
		snap.names = append(snap.names, name)
	}
	sort.Strings(snap.names)

	r.current.Store(snap)
	r.logger.Info("server registry loaded", "path", r.path, "servers", snap.Len())
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Register validates and adds a new upstream, persists the file, and
// swaps the snapshot. Returns ErrAlreadyExists on a name collision.
func (r *Registry) Register(desc *Descriptor) error {
	if err := desc.Validate(func(msg string) { r.logger.Warn(msg) }); err != nil {
		return err
	}
	cur := r.current.Load()
	if _, ok := cur.byName[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, desc.Name)
	}
	return r.mutate(func(servers map[string]*Descriptor) error {
		servers[desc.Name] = desc
		return nil
	})
}

// Remove deletes an upstream by name and persists the change.
func (r *Registry) Remove(name string) error {
	cur := r.current.Load()
	if _, ok := cur.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.mutate(func(servers map[string]*Descriptor) error {
		delete(servers, name)
		return nil
	})
}

// mutate rebuilds the file content from the current snapshot, applies fn,
// writes the file via a temp-and-rename, and reloads.
func (r *Registry) mutate(fn func(map[string]*Descriptor) error) error {
	cur := r.current.Load()
	servers := make(map[string]*Descriptor, cur.Len()+1)
	for name, d := range cur.byName {
		servers[name] = d
	}
	if err := fn(servers); err != nil {
		return err
	}
	if err := r.writeFile(registryFile{Servers: servers}); err != nil {
		return err
	}
	return r.Load()
}

func (r *Registry) writeFile(file registryFile) error {
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encode server registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mcp_servers-*.yaml")
	if err != nil {
		return fmt.Errorf("write server registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write server registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write server registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace server registry: %w", err)
	}
	return nil
}

func (r *Registry) bootstrap() error {
	example := &Descriptor{
		URL:         "http://localhost:9000/mcp",
		Transport:   TransportStreamableHTTP,
		Enabled:     false,
		Description: "Example upstream, disabled until edited",
		Tags:        []string{"example"},
	}
	return r.writeFile(registryFile{Servers: map[string]*Descriptor{"example": example}})
}
