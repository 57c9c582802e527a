package extension

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const defaultStartConcurrency = 4

// HubOptions configure a Hub.
type HubOptions struct {
	Logger *slog.Logger
	// Sandbox is the template every sandbox is created from.
	Sandbox SandboxOptions
	// StartConcurrency bounds how many extensions StartAll spawns at once.
	StartConcurrency int
}

// Hub tracks the extensions of one host. Discovered sandboxes are candidates;
// a sandbox enters the registry once it is running and leaves it when its
// process ends or it is closed.
type Hub struct {
	opts HubOptions
	log  *slog.Logger

	mu         sync.RWMutex
	nextID     uint64
	candidates []*Sandbox
	registry   map[string]*Sandbox
}

func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Sandbox.Logger == nil {
		opts.Sandbox.Logger = log
	}
	if opts.StartConcurrency <= 0 {
		opts.StartConcurrency = defaultStartConcurrency
	}

	return &Hub{
		opts:     opts,
		log:      log.With("component", "extension.hub"),
		registry: make(map[string]*Sandbox),
	}
}

// Add creates a sandbox for the extension in dir without starting it.
func (h *Hub) Add(dir string) *Sandbox {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := NewSandbox(strconv.FormatUint(h.nextID, 10), dir, h.opts.Sandbox)
	s.hub = h
	h.candidates = append(h.candidates, s)

	return s
}

// Discover adds one sandbox per sub-directory of dir and returns how many
// were added. Hidden entries and plain files are skipped; symlinked
// directories are followed. A missing dir yields no extensions.
func (h *Hub) Discover(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.log.Info("Extensions directory not found", "dir", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("read extensions directory: %w", err)
	}

	added := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			h.log.Warn("Skipping extension entry", "path", path, "error", err)
			continue
		}
		if !info.IsDir() {
			continue
		}

		s := h.Add(path)
		h.log.Debug("Discovered extension", "sandbox_id", s.ID(), "dir", path)
		added++
	}

	return added, nil
}

// StartAll starts every unstarted candidate. Each failure is logged and
// collected; one broken extension never prevents the others from starting.
func (h *Hub) StartAll(ctx context.Context) error {
	pending := make([]*Sandbox, 0)
	for _, s := range h.Candidates() {
		if s.State() == StateUnstarted {
			pending = append(pending, s)
		}
	}

	var (
		errMu sync.Mutex
		errs  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.StartConcurrency)
	for _, s := range pending {
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("start %s: %w", s.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	h.log.Info("Extensions started", "running", h.Len(), "failed", len(multierr.Errors(errs)))

	return errs
}

// UnloadAll closes every sandbox, collecting errors instead of stopping at
// the first.
func (h *Hub) UnloadAll() error {
	var errs error
	for _, s := range h.Candidates() {
		if err := s.Close(); err != nil {
			h.log.Warn("Extension close failed", "sandbox_id", s.ID(), "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Get returns a registered sandbox.
func (h *Hub) Get(id string) (*Sandbox, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.registry[id]
	return s, ok
}

// List returns the registered sandboxes ordered by id.
func (h *Hub) List() []*Sandbox {
	h.mu.RLock()
	out := make([]*Sandbox, 0, len(h.registry))
	for _, s := range h.registry {
		out = append(out, s)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, compareID)
	return out
}

// Candidates returns every sandbox ever added, in order of addition.
func (h *Hub) Candidates() []*Sandbox {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.candidates)
}

// Len reports how many sandboxes are registered.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.registry)
}

func (h *Hub) register(s *Sandbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry[s.ID()] = s
}

func (h *Hub) release(s *Sandbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.registry, s.ID())
}

func compareID(a, b *Sandbox) int {
	ai, aErr := strconv.ParseUint(a.ID(), 10, 64)
	bi, bErr := strconv.ParseUint(b.ID(), 10, 64)
	if aErr == nil && bErr == nil {
		return cmp.Compare(ai, bi)
	}
	return strings.Compare(a.ID(), b.ID())
}
