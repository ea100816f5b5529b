// Package ptrace runs a native target under PTRACE_SINGLESTEP, stopping it
// before every user-space instruction of the initial thread.
package ptrace

import (
	"io"

	"github.com/charmbracelet/log"

	"doit/internal/host"
)

// Name is the backend's registry key.
const Name = "ptrace"

func init() {
	host.Register(Name, func() host.Backend { return New() })
}

// Backend is the ptrace execution host.
type Backend struct {
	logger *log.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the diagnostic logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// New returns a ptrace backend.
func New(opts ...Option) *Backend {
	b := &Backend{logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements host.Backend.
func (b *Backend) Name() string {
	return Name
}

// SetLogger replaces the diagnostic logger of a registry-built backend.
func (b *Backend) SetLogger(l *log.Logger) {
	b.logger = l
}
