// Package infra implements infrastructure concerns (process lookup, filesystem,
// statistics store, event sources).
package infra

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

// ProcessResolverImpl implements domain.ProcessResolver using gopsutil.
type ProcessResolverImpl struct{}

// NewProcessResolver creates a new process resolver.
func NewProcessResolver() domain.ProcessResolver {
	return &ProcessResolverImpl{}
}

// Name returns the executable name of pid.
func (r *ProcessResolverImpl) Name(pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("invalid pid 0")
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return "", fmt.Errorf("failed to get name of process %d: %w", pid, err)
	}
	return name, nil
}

// CurrentPID returns the current process PID.
func CurrentPID() uint32 {
	return uint32(os.Getpid())
}

// Ensure ProcessResolverImpl implements domain.ProcessResolver.
var _ domain.ProcessResolver = (*ProcessResolverImpl)(nil)
