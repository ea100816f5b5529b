package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInit marks failures to start or attach to the target.
	ErrInit = errors.New("host initialization failed")
	// ErrUnsupportedOS is returned by backends that cannot run here.
	ErrUnsupportedOS = errors.New("backend not supported on this platform")
	// ErrUnknownBackend is returned by Lookup.
	ErrUnknownBackend = errors.New("unknown backend")
)

// InitError wraps err so that errors.Is(err, ErrInit) holds.
func InitError(err error) error {
	return fmt.Errorf("%w: %w", ErrInit, err)
}

// Target is the program to execute.
type Target struct {
	Path   string
	Args   []string // argv[1:]
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus describes how the target ended.
type ExitStatus struct {
	Code   int
	Signal string
	Killed bool // stopped by cancellation
}

func (s ExitStatus) String() string {
	switch {
	case s.Killed:
		return "killed"
	case s.Signal != "":
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Backend executes a target and calls ins.Before ahead of every instruction.
// Run returns after the target ends; calling ins.Fini is left to the caller.
type Backend interface {
	Name() string
	Run(ctx context.Context, t Target, ins *Instrumenter) (ExitStatus, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Backend{}
)

// Register makes a backend available by name. It panics on duplicates.
func Register(name string, factory func() Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("host: backend registered twice: " + name)
	}
	registry[name] = factory
}

// Lookup returns a new instance of the named backend.
func Lookup(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, name, strings.Join(backendNames(), ", "))
	}
	return f(), nil
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendNames()
}

func backendNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
