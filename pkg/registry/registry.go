// Package registry keeps built automata by ID, with an optional TTL, and
// reloads them from definition files on change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

// ErrNotWatched means the registry has no watched files.
var ErrNotWatched = errors.New("no paths to watch")

type Opts struct {
	// TTL of each entry, 0 means no expiration.
	TTL time.Duration
	// Build options of loaded automata. Id is ignored.
	Build *fa.Opts
	// OnLoad is called after a file has been (re)loaded.
	OnLoad func(a fa.Automaton, path string)
	// OnErr is called with load and watch errors.
	OnErr func(err error)
}

// Registry is a TTL cache of automata.
type Registry struct {
	opts  Opts
	cache *cache.Cache

	mx sync.Mutex
	// abs path -> automaton ID
	paths map[string]string
}

// New creates a new registry. [opts] can be nil.
func New(opts *Opts) *Registry {
	r := &Registry{paths: make(map[string]string)}
	if opts != nil {
		r.opts = *opts
	}

	ttl := r.opts.TTL
	cleanup := time.Minute
	if ttl <= 0 {
		ttl = cache.NoExpiration
	} else if ttl < cleanup {
		cleanup = ttl
	}
	r.cache = cache.New(ttl, cleanup)

	return r
}

// Put adds or replaces an automaton, keyed by its ID.
func (r *Registry) Put(a fa.Automaton) {
	r.cache.SetDefault(a.Id(), a)
}

// Get returns a non-expired automaton.
func (r *Registry) Get(id string) (fa.Automaton, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}

	return v.(fa.Automaton), true
}

// Delete removes an automaton.
func (r *Registry) Delete(id string) {
	r.cache.Delete(id)
}

// Ids returns the sorted IDs of all non-expired automata.
func (r *Registry) Ids() []string {
	items := r.cache.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

// Len returns the number of entries, including expired ones, which haven't
// been cleaned up yet.
func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

// Load builds an automaton from a definition file and puts it into the
// registry.
func (r *Registry) Load(path string) (fa.Automaton, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	def, err := fa.LoadDefinition(abs)
	if err != nil {
		return nil, err
	}
	var opts *fa.Opts
	if r.opts.Build != nil {
		o := *r.opts.Build
		o.Id = ""
		opts = &o
	}
	a, err := def.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	r.mx.Lock()
	// renamed ID
	if prev, ok := r.paths[abs]; ok && prev != a.Id() {
		r.cache.Delete(prev)
	}
	r.paths[abs] = a.Id()
	r.mx.Unlock()

	r.Put(a)
	if r.opts.OnLoad != nil {
		r.opts.OnLoad(a, abs)
	}

	return a, nil
}

// Watch reloads loaded (or passed) definition files on every write, until ctx
// is done. It watches parent directories, so editors replacing files are
// supported.
func (r *Registry) Watch(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := r.Load(p); err != nil {
			return err
		}
	}

	r.mx.Lock()
	dirs := make(map[string]struct{})
	for p := range r.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	r.mx.Unlock()
	if len(dirs) == 0 {
		return ErrNotWatched
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				r.reload(event.Name)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.err(err)
			}
		}
	}()

	return nil
}

func (r *Registry) reload(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	r.mx.Lock()
	_, ok := r.paths[abs]
	r.mx.Unlock()
	if !ok {
		return
	}

	// keep the previous version on errors, eg a partial write
	if _, err := r.Load(abs); err != nil {
		r.err(err)
	}
}

func (r *Registry) err(err error) {
	if r.opts.OnErr != nil {
		r.opts.OnErr(err)
	}
}
