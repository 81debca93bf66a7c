package camera

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"skywatch/internal/capture"
)

// Registry maps camera names to their single live Source. Creation and
// eviction are serialized by one lock, so a name never has two live readers.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*entry
	// stopping holds sources whose Stop timed out, until their reader exits.
	stopping map[string]*Source

	opener capture.Opener
	opts   Options
	logger *zap.Logger
}

type entry struct {
	src  *Source
	refs int
}

// NewRegistry creates an empty registry. opts is applied to every Source.
func NewRegistry(opener capture.Opener, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		sources:  make(map[string]*entry),
		stopping: make(map[string]*Source),
		opener:   opener,
		opts:     opts,
		logger:   opts.Logger.Named("registry"),
	}
}

// Lease is one holder's reference to a Source.
type Lease struct {
	reg  *Registry
	name string
	src  *Source
	// created is set when this acquire started the source.
	created bool
	once    sync.Once
}

// Source returns the leased source.
func (l *Lease) Source() *Source { return l.src }

// Created reports whether the source was started by this lease's Acquire
// rather than shared with an existing holder.
func (l *Lease) Created() bool { return l.created }

// Release drops this reference. The last release stops the source. Extra
// calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.release(l.name, l.src)
	})
}

// Acquire returns the live source for name, creating it when absent or
// stopped. A live source keeps its original locator.
func (r *Registry) Acquire(name string, loc capture.Locator) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sources[name]
	if ok && e.src.State() == StateStopped {
		delete(r.sources, name)
		r.retire(name, e.src)
		ok = false
	}
	created := !ok
	if created {
		e = &entry{src: newSource(name, loc, r.opener, r.opts, r.predecessor(name))}
		r.sources[name] = e
		r.logger.Info("source created", zap.String("camera", name), zap.String("source", loc.Raw))
	} else if e.src.Locator().Raw != loc.Raw {
		r.logger.Warn("camera already streaming from another locator, reusing it",
			zap.String("camera", name),
			zap.String("active", e.src.Locator().Raw),
			zap.String("requested", loc.Raw))
	}
	e.refs++
	return &Lease{reg: r, name: name, src: e.src, created: created}
}

// retire remembers src until its reader has exited. Callers hold r.mu.
func (r *Registry) retire(name string, src *Source) {
	select {
	case <-src.Done():
	default:
		r.stopping[name] = src
	}
}

// predecessor returns the Done channel of a retired source for name that is
// still releasing its device, or nil. Callers hold r.mu.
func (r *Registry) predecessor(name string) <-chan struct{} {
	old, ok := r.stopping[name]
	if !ok {
		return nil
	}
	select {
	case <-old.Done():
		delete(r.stopping, name)
		return nil
	default:
		r.logger.Warn("previous reader still releasing the device", zap.String("camera", name))
		return old.Done()
	}
}

func (r *Registry) release(name string, src *Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sources[name]
	if !ok || e.src != src {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(r.sources, name)
	if err := src.Stop(); err != nil {
		r.logger.Warn("stopping source", zap.String("camera", name), zap.Error(err))
		r.retire(name, src)
	}
	r.logger.Info("source released", zap.String("camera", name))
}

// Get returns the live source for name.
func (r *Registry) Get(name string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sources[name]
	if !ok {
		return nil, false
	}
	return e.src, true
}

// Refs returns the reference count for name.
func (r *Registry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sources[name]; ok {
		return e.refs
	}
	return 0
}

// Names lists live cameras in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// FPS reports every live source's fps rounded to one decimal.
func (r *Registry) FPS() map[string]float64 {
	r.mu.Lock()
	srcs := make([]*Source, 0, len(r.sources))
	for _, e := range r.sources {
		srcs = append(srcs, e.src)
	}
	r.mu.Unlock()

	out := make(map[string]float64, len(srcs))
	for _, src := range srcs {
		if src.State() == StateStopped {
			continue
		}
		out[src.Name()] = math.Round(src.CurrentFPS()*10) / 10
	}
	return out
}

// Close stops every source regardless of outstanding leases.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for name, e := range r.sources {
		err = multierr.Append(err, e.src.Stop())
		delete(r.sources, name)
	}
	for name, src := range r.stopping {
		select {
		case <-src.Done():
		default:
			err = multierr.Append(err, errors.Wrapf(ErrStopTimeout, "camera %s", name))
		}
		delete(r.stopping, name)
	}
	return err
}
