// Package host wires the UI bridge, the router, the extension hub and the
// storage service into one running process.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"extbridge/pkg/bridge"
	"extbridge/pkg/bus"
	"extbridge/pkg/config"
	"extbridge/pkg/extension"
	"extbridge/pkg/pathguard"
	"extbridge/pkg/router"
	"extbridge/pkg/storage"
)

var errUIDisconnected = errors.New("ui disconnected")

type Service struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.Store
	ui     *bridge.Bridge
	router *router.Router
	hub    *extension.Hub
	events *bus.Bus

	mu         sync.RWMutex
	startedAt  time.Time
	discovered bool
	startErrs  []string

	shutdownOnce sync.Once
	shutdownErr  error
}

type statusResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Running       int      `json:"running"`
	Discovered    int      `json:"discovered"`
	StartErrors   []string `json:"start_errors,omitempty"`
}

type extensionsResponse struct {
	Extensions []extension.Info `json:"extensions"`
}

func NewService(ctx context.Context, cfg *config.Config, ui bridge.Channel, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if ui == nil {
		return nil, errors.New("ui channel is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.Default()
	}

	store, err := storage.OpenWith(cfg.Storage.Path, storage.Options{
		Timeout: time.Duration(cfg.Storage.OpenTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	invokeTimeout := time.Duration(cfg.Bridge.InvokeTimeoutSeconds) * time.Second
	uiBridge := bridge.New(ui,
		bridge.WithLogger(log),
		bridge.WithName("ui"),
		bridge.WithInvokeTimeout(invokeTimeout),
	)

	r := router.New(uiBridge, router.WithLogger(log))
	if err := r.Expose(storage.Namespace, storage.Methods(store, cfg.Storage.Resources...)); err != nil {
		_ = uiBridge.Close()
		return nil, multierr.Append(fmt.Errorf("expose storage: %w", err), store.Close())
	}

	events := bus.New()
	hub := extension.NewHub(extension.HubOptions{
		Logger: log,
		Sandbox: extension.SandboxOptions{
			Logger:            log,
			Bus:               events,
			Router:            r,
			Codec:             cfg.Extensions.Codec,
			MaxFrame:          cfg.Extensions.MaxFrameBytes,
			InvokeTimeout:     invokeTimeout,
			AllowedExtensions: cfg.Extensions.AllowedExtensions,
			Interpreters:      cfg.Extensions.Interpreters,
			ModulesPath:       cfg.Extensions.ModulesPath,
		},
		StartConcurrency: cfg.Extensions.StartConcurrency,
	})

	return &Service{
		cfg:    cfg,
		log:    log.With("component", "host.service"),
		store:  store,
		ui:     uiBridge,
		router: r,
		hub:    hub,
		events: events,
	}, nil
}

// Run serves the UI bridge and the extensions until ctx ends or the UI
// disconnects. Everything is unloaded before it returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bus.Observe(gctx, s.events, s.log)
		return nil
	})

	// A read on the UI channel may not return when the channel is closed
	// (stdin, for one), so the group stops waiting once gctx is done.
	uiErr := make(chan error, 1)
	go func() {
		uiErr <- s.ui.Serve(gctx)
	}()
	g.Go(func() error {
		select {
		case err := <-uiErr:
			if err != nil {
				return fmt.Errorf("serve ui bridge: %w", err)
			}
			if gctx.Err() == nil {
				return errUIDisconnected
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if s.cfg.Status.Enabled {
		g.Go(func() error {
			return s.runStatusServer(gctx)
		})
	}

	g.Go(func() error {
		s.startExtensions(gctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errUIDisconnected) {
		s.log.Info("UI disconnected, shutting down")
		err = nil
	}

	return multierr.Append(err, s.Shutdown())
}

// Shutdown unloads every extension and releases storage. It is safe to call
// more than once.
func (s *Service) Shutdown() error {
	s.shutdownOnce.Do(func() {
		var errs error
		errs = multierr.Append(errs, s.hub.UnloadAll())
		errs = multierr.Append(errs, s.ui.Close())
		errs = multierr.Append(errs, s.store.Close())
		s.events.Close()
		s.shutdownErr = errs

		s.log.Info("Host stopped")
	})
	return s.shutdownErr
}

func (s *Service) startExtensions(ctx context.Context) {
	dir, err := pathguard.ExpandHome(strings.TrimSpace(s.cfg.Extensions.Dir))
	if err != nil {
		s.log.Error("Extensions directory invalid", "dir", s.cfg.Extensions.Dir, "error", err)
		s.markDiscovered(err)
		return
	}

	found, err := s.hub.Discover(dir)
	if err != nil {
		s.log.Error("Extension discovery failed", "dir", dir, "error", err)
		s.markDiscovered(err)
		return
	}
	s.log.Info("Extensions discovered", "dir", dir, "count", found)

	startErr := s.hub.StartAll(ctx)
	for _, err := range multierr.Errors(startErr) {
		s.log.Warn("Extension did not start", "error", err)
	}
	s.markDiscovered(startErr)
}

func (s *Service) markDiscovered(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discovered = true
	for _, e := range multierr.Errors(err) {
		s.startErrs = append(s.startErrs, e.Error())
	}
}

func (s *Service) runStatusServer(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Status.Host) + ":" + strconv.Itoa(s.cfg.Status.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Host status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Service) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/extensions", s.handleExtensions)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady() {
		s.writeJSON(w, http.StatusServiceUnavailable, s.currentStatus("not_ready"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) handleExtensions(w http.ResponseWriter, _ *http.Request) {
	running := s.hub.List()
	infos := make([]extension.Info, 0, len(running))
	for _, sandbox := range running {
		infos = append(infos, sandbox.Info())
	}
	s.writeJSON(w, http.StatusOK, extensionsResponse{Extensions: infos})
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Running:       s.hub.Len(),
		Discovered:    len(s.hub.Candidates()),
		StartErrors:   append([]string(nil), s.startErrs...),
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discovered
}
