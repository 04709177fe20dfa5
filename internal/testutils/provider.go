package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/ports"
)

// RecordingProvider is a ProviderHandler that records link deliveries and
// answers invocations with "<operation>:<payload>".
type RecordingProvider struct {
	mu      sync.Mutex
	Puts    []domain.LinkDefinition
	Updates []domain.LinkDefinition
	Deletes []domain.LinkDefinition
	Reject  error
	invoked int
}

func (p *RecordingProvider) PutLink(_ context.Context, def domain.LinkDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Reject != nil {
		return p.Reject
	}
	p.Puts = append(p.Puts, def)
	return nil
}

func (p *RecordingProvider) UpdateLink(_ context.Context, def domain.LinkDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Updates = append(p.Updates, def)
	return nil
}

func (p *RecordingProvider) DeleteLink(_ context.Context, def domain.LinkDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deletes = append(p.Deletes, def)
	return nil
}

func (p *RecordingProvider) Invoke(_ context.Context, inv domain.Invocation) ([]byte, error) {
	p.mu.Lock()
	p.invoked++
	p.mu.Unlock()
	return []byte(fmt.Sprintf("%s:%s", inv.Operation, inv.Payload)), nil
}

// Invoked returns the number of invocations that reached the provider.
func (p *RecordingProvider) Invoked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoked
}

// Counts returns the number of puts, updates and deletes received.
func (p *RecordingProvider) Counts() (puts, updates, deletes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Puts), len(p.Updates), len(p.Deletes)
}

// Launcher runs providers in process on a shared transport. Every launch of
// the same identity reuses one RecordingProvider so tests can observe
// deliveries across restarts.
type Launcher struct {
	Transport ports.Transport

	mu        sync.Mutex
	handlers  map[domain.Identity]*RecordingProvider
	processes map[string]*Process
	launches  int
}

// NewLauncher creates a launcher on transport.
func NewLauncher(transport ports.Transport) *Launcher {
	return &Launcher{
		Transport: transport,
		handlers:  make(map[domain.Identity]*RecordingProvider),
		processes: make(map[string]*Process),
	}
}

// Handler returns the recording handler of provider id.
func (l *Launcher) Handler(id domain.Identity) *RecordingProvider {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[id]
	if !ok {
		h = &RecordingProvider{}
		l.handlers[id] = h
	}
	return h
}

// Launches returns how many processes were started.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Launch implements ports.ProviderLauncher.
func (l *Launcher) Launch(_ context.Context, launch ports.ProviderLaunch) (ports.ProviderProcess, error) {
	handler := l.Handler(launch.Claims.Subject)
	srv, err := lattice.Serve(l.Transport, lattice.NewSubjects(launch.LatticeID), launch.Claims.Subject, launch.LinkName, handler)
	if err != nil {
		return nil, err
	}
	p := &Process{id: launch.Claims.Subject, server: srv}
	l.mu.Lock()
	l.processes[launch.InstanceID] = p
	l.launches++
	l.mu.Unlock()
	return p, nil
}

// Crash terminates every process of provider id as if it died.
func (l *Launcher) Crash(id domain.Identity) {
	l.mu.Lock()
	var victims []*Process
	for _, p := range l.processes {
		if p.id == id {
			victims = append(victims, p)
		}
	}
	l.mu.Unlock()
	for _, p := range victims {
		_ = p.server.Close()
	}
}

// Process is an in-process provider.
type Process struct {
	id     domain.Identity
	server *lattice.ProviderServer
}

// Done implements ports.ProviderProcess.
func (p *Process) Done() <-chan struct{} { return p.server.Done() }

// Stop implements ports.ProviderProcess.
func (p *Process) Stop(context.Context) error { return p.server.Close() }
