package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ResourceKind names how an attached resource is resolved.
type ResourceKind string

const (
	// ResourceFile resolves to the path of an existing regular file.
	ResourceFile ResourceKind = "file"
	// ResourceDirectory resolves to the path of an existing directory.
	ResourceDirectory ResourceKind = "directory"
)

// Resource declares a resource processors can attach by ID.
type Resource struct {
	ID   string
	Kind ResourceKind
	// Path is the location for file and directory resources, or the opener
	// specific locator for custom kinds.
	Path string
}

// ResourceOpener resolves a resource of a custom kind. release is called
// once the last instance holding the resource was closed; it may be nil.
type ResourceOpener func(ctx context.Context, r Resource) (value any, release func() error, err error)

type resourceEntry struct {
	res     Resource
	value   any
	release func() error
	refs    int
}

// resourceRegistry is scoped to one job.
type resourceRegistry struct {
	mu      sync.Mutex
	entries map[string]*resourceEntry
	openers map[ResourceKind]ResourceOpener
}

func newResourceRegistry(resources []Resource, openers map[ResourceKind]ResourceOpener) (*resourceRegistry, error) {
	r := &resourceRegistry{
		entries: make(map[string]*resourceEntry, len(resources)),
		openers: map[ResourceKind]ResourceOpener{
			ResourceFile:      openPath(false),
			ResourceDirectory: openPath(true),
		},
	}
	for k, o := range openers {
		r.openers[k] = o
	}
	for _, res := range resources {
		if res.ID == "" {
			return nil, &EngineError{Message: "resource ID cannot be empty", Code: "INVALID_RESOURCE"}
		}
		if _, dup := r.entries[res.ID]; dup {
			return nil, &EngineError{Message: "duplicate resource ID: " + res.ID, Code: "INVALID_RESOURCE"}
		}
		if _, ok := r.openers[res.Kind]; !ok {
			return nil, &EngineError{Message: fmt.Sprintf("resource %q has unknown kind %q", res.ID, res.Kind), Code: "INVALID_RESOURCE"}
		}
		r.entries[res.ID] = &resourceEntry{res: res}
	}
	return r, nil
}

func (r *resourceRegistry) kindOf(id string) ResourceKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.res.Kind
	}
	return ""
}

func (r *resourceRegistry) acquire(ctx context.Context, id string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	if e.refs == 0 {
		v, release, err := r.openers[e.res.Kind](ctx, e.res)
		if err != nil {
			return nil, fmt.Errorf("%w: resource %q: %v", ErrResourceUnavailable, id, err)
		}
		e.value = v
		e.release = release
	}
	e.refs++
	return e.value, nil
}

func (r *resourceRegistry) release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.refs == 0 {
		return fmt.Errorf("resource %q released more often than acquired", id)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	release := e.release
	e.value = nil
	e.release = nil
	if release != nil {
		return release()
	}
	return nil
}

// openRefs returns the number of references held on id.
func (r *resourceRegistry) openRefs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refs
	}
	return 0
}

func openPath(dir bool) ResourceOpener {
	return func(_ context.Context, res Resource) (any, func() error, error) {
		info, err := os.Stat(res.Path)
		if err != nil {
			return nil, nil, err
		}
		if dir && !info.IsDir() {
			return nil, nil, fmt.Errorf("%s is not a directory", res.Path)
		}
		if !dir && !info.Mode().IsRegular() {
			return nil, nil, fmt.Errorf("%s is not a regular file", res.Path)
		}
		return res.Path, nil, nil
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
