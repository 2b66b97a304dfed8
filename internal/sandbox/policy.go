package sandbox

import (
	"fmt"

	"github.com/docker/go-units"
)

// Policy defines resource limits for container execution.
type Policy struct {
	Memory    int64 // Memory ceiling in bytes, swap included
	CPUShares int64 // Relative CPU weight
	NanoCPUs  int64 // Hard CPU cap in units of 1e-9 CPUs
	PidsLimit int64
	Network   bool     // Whether network access is allowed
	Images    []string // Allowed Docker images
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		Memory:    256 * units.MiB,
		CPUShares: 512,
		NanoCPUs:  1e9,
		PidsLimit: 64,
		Network:   false,
		Images: []string{
			"python:3.12-slim",
			"node:22-slim",
		},
	}
}

// ParseMemory converts a human size such as "256m" into bytes.
func ParseMemory(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing memory limit %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory limit %q must be positive", s)
	}
	return n, nil
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}
