package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// DefaultGracePeriod is how long a provider may take to exit after the
// interrupt before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Launcher implements ports.ProviderLauncher by running provider executables
// as child processes. It follows a strict registry pattern: only allow-listed
// references can be launched.
type Launcher struct {
	mu       sync.RWMutex
	registry map[string]RegisteredProcess

	baseDir      string
	transportURL string
	grace        time.Duration
	logger       *slog.Logger
}

// RegisteredProcess defines an allowed provider command.
type RegisteredProcess struct {
	Command string
	Args    []string
	Env     map[string]string
}

// LauncherOption configures the launcher.
type LauncherOption func(*Launcher)

// WithRegistry populates the allow-list from a loaded config.
func WithRegistry(providers map[string]ProviderConfig) LauncherOption {
	return func(l *Launcher) {
		for ref, p := range providers {
			l.registry[ref] = RegisteredProcess{Command: p.Command, Args: p.Args, Env: p.Environment}
		}
	}
}

// WithBaseDir sets the working directory for launched processes.
func WithBaseDir(dir string) LauncherOption {
	return func(l *Launcher) {
		l.baseDir = dir
	}
}

// WithTransportURL is handed to providers so they can join the bus.
func WithTransportURL(url string) LauncherOption {
	return func(l *Launcher) {
		l.transportURL = url
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) LauncherOption {
	return func(l *Launcher) {
		l.grace = d
	}
}

// WithLogger sets the logger. Provider output is forwarded to it at Debug.
func WithLogger(logger *slog.Logger) LauncherOption {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// NewLauncher creates a new process launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		registry: make(map[string]RegisteredProcess),
		grace:    DefaultGracePeriod,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds a trusted provider command to the allow-list.
func (l *Launcher) Register(ref string, command string, args ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registry[ref] = RegisteredProcess{Command: command, Args: args}
}

// Launch starts the process registered for launch.Reference. The process
// outlives ctx; it ends on Stop or on its own.
func (l *Launcher) Launch(ctx context.Context, launch ports.ProviderLaunch) (ports.ProviderProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	proc, ok := l.registry[launch.Reference]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider reference %q is not registered", domain.ErrNotFound, launch.Reference)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, proc.Command, proc.Args...)
	cmd.Dir = l.baseDir
	cmd.Env = append(cmd.Environ(), l.environment(proc, launch)...)
	// Interrupt first, kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.grace

	logger := l.logger.With("provider", launch.Claims.Subject, "link_name", launch.LinkName, "instance", launch.InstanceID)
	cmd.Stdout = &logWriter{logger: logger, stream: "stdout"}
	cmd.Stderr = &logWriter{logger: logger, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start provider %s: %w", launch.Reference, err)
	}
	logger.Info("Provider process started", "pid", cmd.Process.Pid)

	p := &Process{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		cancel()
		if err != nil && !p.stopping() {
			logger.Warn("Provider process exited", "err", err)
		} else {
			logger.Info("Provider process exited")
		}
		close(p.done)
	}()
	return p, nil
}

func (l *Launcher) environment(proc RegisteredProcess, launch ports.ProviderLaunch) []string {
	env := []string{
		"LATTICE_LATTICE_ID=" + launch.LatticeID,
		"LATTICE_HOST_ID=" + launch.HostID.String(),
		"LATTICE_PROVIDER_ID=" + launch.Claims.Subject.String(),
		"LATTICE_CONTRACT_ID=" + launch.Claims.ContractID,
		"LATTICE_LINK_NAME=" + domain.NormalizeLinkName(launch.LinkName),
		"LATTICE_INSTANCE_ID=" + launch.InstanceID,
	}
	if l.transportURL != "" {
		env = append(env, "LATTICE_TRANSPORT_URL="+l.transportURL)
	}
	for k, v := range proc.Env {
		env = append(env, k+"="+v)
	}
	// Sorted so the environment is stable between launches.
	keys := make([]string, 0, len(launch.Config))
	for k := range launch.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "LATTICE_CONFIG_"+envKey(k)+"="+launch.Config[k])
	}
	return env
}

// envKey upper-cases k and replaces everything that is not alphanumeric.
func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, k)
}

// Process is a running provider executable.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop interrupts the process and waits for it to exit or for ctx.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill provider process: %w", err)
		}
		return ctx.Err()
	}
}

// logWriter forwards process output line by line.
type logWriter struct {
	logger *slog.Logger
	stream string
}

func (w *logWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("Provider output", "stream", w.stream, "line", line)
		}
	}
	return len(b), nil
}

var _ ports.ProviderLauncher = (*Launcher)(nil)
