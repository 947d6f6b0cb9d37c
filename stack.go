package entitykit

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/entitykit/entitykit/model"
	"github.com/entitykit/entitykit/store"
)

// Stack holds the persistence configuration for one store: the schema model,
// the store URL and the store options. A Stack is constructed once during
// startup and passed down; there is no package-level shared instance.
//
// The coordinator and the main context are built lazily on first use and
// memoized for the lifetime of the Stack. Configuration writes after the
// coordinator has been built have no effect: the configuration window closes
// at first use.
type Stack struct {
	mu      sync.Mutex
	model   *model.Model
	url     string
	options store.Options
	log     *slog.Logger

	buildOnce sync.Once
	coord     *store.Coordinator
	buildErr  error
	built     atomic.Bool

	mainOnce sync.Once
	main     *Context
	hasMain  atomic.Bool
}

// NewStack returns an unbuilt stack. The model and store URL must be
// configured before the first call to Coordinator, MainContext or NewContext.
func NewStack() *Stack {
	return &Stack{log: slog.Default()}
}

// SetModel sets the schema model. Ignored once the coordinator exists.
func (s *Stack) SetModel(m *model.Model) {
	s.configure(func() { s.model = m })
}

// Model returns the configured schema model.
func (s *Stack) Model() *model.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetStoreURL sets the store location: a SQLite database path, or a
// postgres:// URL when the caller links lib/pq. Ignored once the coordinator
// exists.
func (s *Stack) SetStoreURL(url string) {
	s.configure(func() { s.url = url })
}

// StoreURL returns the configured store location.
func (s *Stack) StoreURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// SetStoreOptions sets the options the store is opened with, e.g. automatic
// lightweight migration. Ignored once the coordinator exists.
func (s *Stack) SetStoreOptions(opts store.Options) {
	s.configure(func() { s.options = opts })
}

// StoreOptions returns the configured store options.
func (s *Stack) StoreOptions() store.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// SetLogger replaces the stack's logger. Defaults to slog.Default.
func (s *Stack) SetLogger(log *slog.Logger) {
	if log == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = log
}

func (s *Stack) configure(apply func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built.Load() {
		s.log.Warn("stack already built, configuration change ignored")
		return
	}
	apply()
}

// Coordinator returns the store coordinator, building it on first call.
// Construction failures are memoized: a stack whose store cannot be opened
// fails every later call with the same error.
func (s *Stack) Coordinator() (*store.Coordinator, error) {
	s.buildOnce.Do(func() {
		s.mu.Lock()
		m, url, opts, log := s.model, s.url, s.options, s.log
		s.built.Store(true)
		s.mu.Unlock()

		s.coord, s.buildErr = store.Open(url, m, opts, log)
	})
	return s.coord, s.buildErr
}

// MainContext returns the process-wide default context for this stack,
// constructing it (and transitively the coordinator and store) on first
// call.
func (s *Stack) MainContext() (*Context, error) {
	coord, err := s.Coordinator()
	if err != nil {
		return nil, err
	}
	s.mainOnce.Do(func() {
		s.main = newContext(coord, s.log)
		s.hasMain.Store(true)
	})
	return s.main, nil
}

// HasMainContext reports whether the main context has been constructed,
// without triggering construction.
func (s *Stack) HasMainContext() bool {
	return s.hasMain.Load()
}

// NewContext returns an additional independent context over the same store,
// for work that should not share the main context's pending changes.
func (s *Stack) NewContext() (*Context, error) {
	coord, err := s.Coordinator()
	if err != nil {
		return nil, err
	}
	return newContext(coord, s.log), nil
}

// Close closes the underlying store if it was ever opened.
func (s *Stack) Close() error {
	if !s.built.Load() {
		return nil
	}
	// A first build may still be in flight on another goroutine; Do blocks
	// until it finishes, after which coord is safe to read.
	s.buildOnce.Do(func() {})
	if s.coord == nil {
		return nil
	}
	return s.coord.Close()
}
