package pi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outpostlabs/outpost/internal/config"
	"github.com/outpostlabs/outpost/internal/sandbox"
)

// SandboxModelRegistry lists the agent's models by running the agent's
// model dump in an ephemeral sandbox.
type SandboxModelRegistry struct {
	driver sandbox.Driver
	cfg    *config.Config
}

// NewSandboxModelRegistry builds the production model registry.
func NewSandboxModelRegistry(driver sandbox.Driver, cfg *config.Config) *SandboxModelRegistry {
	return &SandboxModelRegistry{driver: driver, cfg: cfg}
}

var _ ModelRegistry = (*SandboxModelRegistry)(nil)

// Models runs `pi models --json` in a throwaway container and decodes
// the output.
func (r *SandboxModelRegistry) Models(ctx context.Context) ([]ModelInfo, error) {
	if err := r.driver.EnsureImage(ctx, r.cfg.SandboxImage); err != nil {
		return nil, fmt.Errorf("failed to ensure sandbox image: %w", err)
	}

	sandboxID, err := r.driver.Spawn(ctx, sandbox.SpawnConfig{
		Name:   "outpost-models-" + uuid.NewString()[:8],
		Image:  r.cfg.SandboxImage,
		Cmd:    []string{r.cfg.PiBinary, "models", "--json"},
		Labels: map[string]string{"outpost.role": "model-dump"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn model dump: %w", err)
	}
	defer func() {
		_ = r.driver.Remove(context.Background(), sandboxID, true)
	}()

	if err := r.waitForExit(ctx, sandboxID); err != nil {
		return nil, err
	}

	out, err := r.driver.Logs(ctx, sandboxID, "all")
	if err != nil {
		return nil, fmt.Errorf("failed to read model dump output: %w", err)
	}
	return parseModelDump(out)
}

// waitForExit polls the sandbox until the dump command has finished.
func (r *SandboxModelRegistry) waitForExit(ctx context.Context, sandboxID string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := r.driver.Status(ctx, sandboxID)
		if err != nil {
			return fmt.Errorf("failed to check model dump status: %w", err)
		}
		switch status {
		case sandbox.StatusExited, sandbox.StatusDead:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseModelDump decodes the JSON model list, skipping log noise before
// the payload.
func parseModelDump(out string) ([]ModelInfo, error) {
	start := strings.IndexAny(out, "[{")
	if start < 0 {
		return nil, fmt.Errorf("model dump carries no JSON payload")
	}
	payload := out[start:]

	var models []ModelInfo
	if err := json.Unmarshal([]byte(payload), &models); err == nil {
		return models, nil
	}

	// Some agent versions wrap the list in an object.
	var wrapped struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode model dump: %w", err)
	}
	return wrapped.Models, nil
}
