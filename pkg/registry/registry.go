package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

// ErrConflict is returned when a name is registered again for different content
var ErrConflict = errors.New("name already registered for different content")

// Registry maps content hashes to object descriptors and chunks back to the objects using them
type Registry struct {
	mu      sync.RWMutex
	objects map[string]*descriptor.Descriptor // content hash -> descriptor
	names   map[string]string                 // name -> content hash
	chunks  map[chunk.ID][]string             // chunk -> content hashes
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		objects: make(map[string]*descriptor.Descriptor),
		names:   make(map[string]string),
		chunks:  make(map[chunk.ID][]string),
	}
}

// Register validates and records a descriptor. Registering the same content twice is a no-op.
func (r *Registry) Register(d *descriptor.Descriptor) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", descriptor.ErrInvalidDescriptor)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	ids, err := d.ChunkIDs()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[d.ContentHash]; exists {
		return nil
	}
	if d.Name != "" {
		if existing, taken := r.names[d.Name]; taken && existing != d.ContentHash {
			return fmt.Errorf("%w: %s", ErrConflict, d.Name)
		}
		r.names[d.Name] = d.ContentHash
	}
	r.objects[d.ContentHash] = d
	for _, id := range ids {
		r.chunks[id] = appendUnique(r.chunks[id], d.ContentHash)
	}
	return nil
}

// Unregister removes a descriptor and its chunk mappings
func (r *Registry) Unregister(contentHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.objects[contentHash]
	if !exists {
		return false
	}
	if r.names[d.Name] == contentHash {
		delete(r.names, d.Name)
	}
	for _, h := range d.ChunkHashes {
		id, err := chunk.ParseID(h)
		if err != nil {
			continue
		}
		r.chunks[id] = remove(r.chunks[id], contentHash)
		if len(r.chunks[id]) == 0 {
			delete(r.chunks, id)
		}
	}
	delete(r.objects, contentHash)
	return true
}

// Lookup retrieves a descriptor by content hash
func (r *Registry) Lookup(contentHash string) (*descriptor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.objects[contentHash]
	return d, ok
}

// LookupName retrieves a descriptor by object name
func (r *Registry) LookupName(name string) (*descriptor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return r.objects[h], true
}

// ObjectsWithChunk returns the content hashes of every object that uses id
func (r *Registry) ObjectsWithChunk(id chunk.ID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.chunks[id]))
	copy(out, r.chunks[id])
	return out
}

// List returns every descriptor ordered by name, then content hash
func (r *Registry) List() []*descriptor.Descriptor {
	r.mu.RLock()
	out := make([]*descriptor.Descriptor, 0, len(r.objects))
	for _, d := range r.objects {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ContentHash < out[j].ContentHash
	})
	return out
}

// Len returns the number of registered objects
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func appendUnique(slice []string, item string) []string {
	if !contains(slice, item) {
		return append(slice, item)
	}
	return slice
}

func remove(slice []string, item string) []string {
	for i, s := range slice {
		if s == item {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}
