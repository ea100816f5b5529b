//go:build !(linux && amd64)

package ptrace

import (
	"context"
	"fmt"
	"runtime"

	"doit/internal/host"
)

// Run implements host.Backend.
func (b *Backend) Run(_ context.Context, _ host.Target, _ *host.Instrumenter) (host.ExitStatus, error) {
	return host.ExitStatus{}, host.InitError(fmt.Errorf("%w: %s/%s, only linux/amd64 is supported", host.ErrUnsupportedOS, runtime.GOOS, runtime.GOARCH))
}
