package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ArtifactProber probes background work by fingerprinting the artifact file
// the task's agent writes to. The engine registers the expected artifact path
// before tracking begins; the path follows the invoker's artifact convention,
// so the probe needs no cooperation from the running agent.
type ArtifactProber struct {
	mu    sync.Mutex
	paths map[string]string // taskID -> artifact path
}

// NewArtifactProber creates an empty prober.
func NewArtifactProber() *ArtifactProber {
	return &ArtifactProber{paths: make(map[string]string)}
}

// Register binds a task ID to the artifact path its agent writes.
func (p *ArtifactProber) Register(taskID, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths[taskID] = path
}

// Release drops a finished task's registration.
func (p *ArtifactProber) Release(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paths, taskID)
}

// Probe returns the fingerprint and content of the task's artifact. A missing
// file is an error: the monitor skips the sample and the deadline still
// bounds an agent that never starts writing.
func (p *ArtifactProber) Probe(_ context.Context, taskID string) (string, string, error) {
	p.mu.Lock()
	path, ok := p.paths[taskID]
	p.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("no artifact registered for task %s", taskID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("artifact not readable for task %s: %w", taskID, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), string(data), nil
}

// ArtifactValidator checks that a stable artifact is plausibly a finished
// result rather than an empty or truncated file. A failed check sends the
// record back to running with its counters reset.
type ArtifactValidator struct {
	// MinBytes is the smallest acceptable artifact size. Zero means any
	// non-blank content passes.
	MinBytes int
}

// Validate implements the monitor's validity check.
func (v *ArtifactValidator) Validate(taskID, output string) error {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return fmt.Errorf("task %s artifact is empty", taskID)
	}
	if v.MinBytes > 0 && len(trimmed) < v.MinBytes {
		return fmt.Errorf("task %s artifact is %d byte(s), want at least %d", taskID, len(trimmed), v.MinBytes)
	}
	return nil
}
