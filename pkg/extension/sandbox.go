package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"extbridge/pkg/bridge"
	"extbridge/pkg/bus"
	"extbridge/pkg/logger"
	"extbridge/pkg/wire"
)

// State is a sandbox lifecycle stage.
type State int

const (
	StateUnstarted State = iota
	StateManifestRead
	StateSpawning
	StateRunning
	StateExited
	StateCrashed
	StateClosed
	// StateFailed is terminal: Start returned an error and nothing runs.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateManifestRead:
		return "manifest-read"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrSandboxClosed is returned by Start when Close won the race.
var ErrSandboxClosed = errors.New("sandbox closed")

// Attacher connects an extension bridge to the rest of the mesh. The returned
// func undoes the attachment.
type Attacher interface {
	Attach(ext *bridge.Bridge) (detach func())
}

// SandboxOptions configure how an extension is spawned and wired.
type SandboxOptions struct {
	Logger *slog.Logger
	Bus    *bus.Bus
	Router Attacher

	// Codec names the wire codec spoken on the message channel.
	Codec         string
	MaxFrame      int
	InvokeTimeout time.Duration

	AllowedExtensions []string
	// Interpreters maps an entry-point extension such as ".js" to the
	// program that runs it.
	Interpreters map[string]string
	ModulesPath  string

	// LookupEnv reads host variables named in permissions.env. Defaults
	// to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Info is a point-in-time description of a sandbox.
type Info struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Dir      string `json:"dir"`
	State    string `json:"state"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sandbox owns one extension process: its manifest, its process handle and
// the bridge bound to its message channel.
type Sandbox struct {
	id   string
	dir  string
	opts SandboxOptions
	log  *slog.Logger
	hub  *Hub

	mu       sync.Mutex
	state    State
	manifest *Manifest
	cmd      *exec.Cmd
	bridge   *bridge.Bridge
	detach   func()
	exitCode int
	err      error

	outputs      []*logger.LineWriter
	done         chan struct{}
	teardownOnce sync.Once
}

// NewSandbox prepares the extension in dir. Nothing is read or spawned until
// Start.
func NewSandbox(id string, dir string, opts SandboxOptions) *Sandbox {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Codec == "" {
		opts.Codec = wire.CodecJSON
	}

	return &Sandbox{
		id:   id,
		dir:  dir,
		opts: opts,
		log:  log.With("component", "extension.sandbox", "sandbox_id", id),
		done: make(chan struct{}),
	}
}

func (s *Sandbox) ID() string {
	return s.id
}

func (s *Sandbox) Dir() string {
	return s.dir
}

// Name returns the manifest name, or the directory name before the manifest
// has been read.
func (s *Sandbox) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifest != nil {
		return s.manifest.Name
	}
	return filepath.Base(s.dir)
}

func (s *Sandbox) Manifest() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Bridge returns the bridge bound to the extension, or nil before it runs.
func (s *Sandbox) Bridge() *bridge.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the process id once spawned, otherwise zero.
func (s *Sandbox) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Err returns the error that ended the sandbox, if any.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the extension process has been reaped.
func (s *Sandbox) Done() <-chan struct{} {
	return s.done
}

func (s *Sandbox) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:       s.id,
		Dir:      s.dir,
		State:    s.state.String(),
		ExitCode: s.exitCode,
	}
	if s.manifest != nil {
		info.Name = s.manifest.Name
		info.Version = s.manifest.Version
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// Start validates the manifest, spawns the extension and binds its bridge.
// Any manifest or spawn failure is returned and leaves nothing running.
func (s *Sandbox) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != StateUnstarted {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s cannot start from state %s", s.id, state)
	}
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Sandbox) start(ctx context.Context) error {
	manifest, err := ReadManifest(s.dir, s.opts.AllowedExtensions)
	if err != nil {
		return err
	}
	if err := s.advance(StateManifestRead, func() { s.manifest = manifest }); err != nil {
		return err
	}
	s.log = s.log.With("extension", manifest.Name)

	program, err := s.interpreter(manifest)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// hostRead/childWrite carry extension to host traffic, childRead/hostWrite
	// the reverse.
	hostRead, childWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create channel pipe: %w", err)
	}
	childRead, hostWrite, err := os.Pipe()
	if err != nil {
		_ = hostRead.Close()
		_ = childWrite.Close()
		return fmt.Errorf("create channel pipe: %w", err)
	}
	closeChild := func() {
		_ = childRead.Close()
		_ = childWrite.Close()
	}
	closeHost := func() {
		_ = hostRead.Close()
		_ = hostWrite.Close()
	}

	ch, err := wire.New(s.opts.Codec, hostRead, hostWrite, wire.Closers(hostWrite, hostRead), wire.Options{MaxFrame: s.opts.MaxFrame})
	if err != nil {
		closeChild()
		closeHost()
		return err
	}

	injected := InjectedEnv(s.id, os.Getpid(), manifest.Dir, s.opts.ModulesPath, strings.ToLower(s.opts.Codec))
	stdout := logger.NewLineWriter(s.log, slog.LevelInfo, "stdout")
	stderr := logger.NewLineWriter(s.log, slog.LevelWarn, "stderr")

	cmd := exec.Command(program, manifest.Entry)
	cmd.Dir = manifest.Dir
	cmd.Env = BuildEnv(manifest.Permissions.Env, s.opts.LookupEnv, injected)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// ExtraFiles[i] becomes fd 3+i in the child.
	cmd.ExtraFiles = []*os.File{childRead, childWrite}
	configureProcess(cmd)

	if err := s.advance(StateSpawning, nil); err != nil {
		closeChild()
		closeHost()
		return err
	}

	if err := cmd.Start(); err != nil {
		closeChild()
		closeHost()
		return fmt.Errorf("spawn %s %s: %w", program, manifest.Main, err)
	}
	closeChild()

	b := bridge.New(ch,
		bridge.WithLogger(s.log),
		bridge.WithName(manifest.Name),
		bridge.WithInvokeTimeout(s.opts.InvokeTimeout),
	)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = killProcess(cmd)
		_ = cmd.Wait()
		_ = b.Close()
		return ErrSandboxClosed
	}
	s.cmd = cmd
	s.bridge = b
	s.outputs = []*logger.LineWriter{stdout, stderr}
	s.state = StateRunning
	if s.opts.Router != nil {
		s.detach = s.opts.Router.Attach(b)
	}
	if s.hub != nil {
		s.hub.register(s)
	}
	s.mu.Unlock()

	go s.serve(b)
	go s.wait()

	s.log.Info("Extension online", "pid", cmd.Process.Pid, "entry", manifest.Main, "version", manifest.Version)
	s.publish(bus.Event{Type: bus.EventExtensionOnline, PID: cmd.Process.Pid})

	return nil
}

func (s *Sandbox) interpreter(manifest *Manifest) (string, error) {
	suffix := strings.ToLower(filepath.Ext(manifest.Entry))
	program := strings.TrimSpace(s.opts.Interpreters[suffix])
	if program == "" {
		return "", &ManifestError{Dir: manifest.Dir, Reason: ReasonEntry, Err: fmt.Errorf("no interpreter for %q", suffix)}
	}
	return program, nil
}

// advance moves to next unless Close already ran.
func (s *Sandbox) advance(next State, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSandboxClosed
	}
	if apply != nil {
		apply()
	}
	s.state = next
	return nil
}

func (s *Sandbox) fail(err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateFailed
	}
	s.err = err
	s.mu.Unlock()

	s.log.Error("Extension failed to start", "dir", s.dir, "error", err)
	s.publish(bus.Event{Type: bus.EventExtensionFailed, Error: err.Error()})
}

// serve pumps the extension's channel. A channel that fails while the
// process is still running leaves the sandbox unusable, so the process is
// killed and the sandbox counts as crashed. A clean end of stream is left
// to wait.
func (s *Sandbox) serve(b *bridge.Bridge) {
	err := b.Serve(context.Background())
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCrashed
	s.err = fmt.Errorf("message channel: %w", err)
	cmd := s.cmd
	s.mu.Unlock()

	s.log.Warn("Extension channel failed, killing process", "error", err)
	if killErr := killProcess(cmd); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		s.log.Debug("Kill after channel failure failed", "error", killErr)
	}
	s.teardown()
}

func (s *Sandbox) wait() {
	err := s.cmd.Wait()
	for _, w := range s.outputs {
		_ = w.Close()
	}

	code := s.cmd.ProcessState.ExitCode()

	s.mu.Lock()
	closing := s.state == StateClosed
	s.exitCode = code
	switch {
	case closing:
	case s.state == StateCrashed:
		// serve already recorded why.
		err = s.err
	case err == nil && code == 0:
		s.state = StateExited
	default:
		s.state = StateCrashed
		s.err = err
	}
	state := s.state
	s.mu.Unlock()

	s.teardown()

	if !closing {
		event := bus.Event{Type: bus.EventExtensionExited, PID: s.cmd.Process.Pid, ExitCode: code}
		if state == StateCrashed {
			event.Type = bus.EventExtensionCrashed
			if err != nil {
				event.Error = err.Error()
			}
			s.log.Warn("Extension crashed", "exit_code", code, "error", err)
		} else {
			s.log.Info("Extension exited", "exit_code", code)
		}
		s.publish(event)
	}

	close(s.done)
}

// Close kills the extension process immediately and removes the sandbox
// from the mesh. Calling Close again, or after the process ended, is a no-op.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	cmd := s.cmd
	s.mu.Unlock()

	switch prev {
	case StateRunning:
		var killErr error
		if err := killProcess(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			killErr = fmt.Errorf("kill extension %s: %w", s.id, err)
		}
		s.teardown()
		<-s.done
		s.log.Info("Extension closed")
		s.publish(bus.Event{Type: bus.EventExtensionClosed, PID: cmd.Process.Pid})
		return killErr
	case StateExited, StateCrashed:
		s.teardown()
	}

	return nil
}

// teardown detaches the bridge from the mesh, rejects its pending calls and
// drops the registry entry.
func (s *Sandbox) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		detach := s.detach
		b := s.bridge
		s.mu.Unlock()

		if detach != nil {
			detach()
		}
		if b != nil {
			_ = b.Close()
		}
		if s.hub != nil {
			s.hub.release(s)
		}
	})
}

func (s *Sandbox) publish(event bus.Event) {
	if s.opts.Bus == nil {
		return
	}
	event.SandboxID = s.id
	event.Extension = s.Name()
	s.opts.Bus.Publish(context.Background(), event)
}
