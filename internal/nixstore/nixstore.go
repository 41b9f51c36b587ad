// Package nixstore wraps the nix-store command line for output queries and
// the realise fallback used when no worker executable is configured.
package nixstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/build-agent/internal/models"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns its stdout, folding stderr into the
// error on failure.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Inspector queries derivation outputs and their on-disk metadata.
type Inspector struct {
	runner CommandRunner
	logger *slog.Logger
}

// NewInspector creates an inspector. A nil runner selects ExecRunner.
func NewInspector(runner CommandRunner, logger *slog.Logger) *Inspector {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{runner: runner, logger: logger.With("component", "nixstore")}
}

// ParseError reports nix-store output the agent could not interpret.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "unparseable nix output: " + e.Reason
}

// DeclaredOutputs returns the output name to store path mapping declared by
// the derivation.
func (i *Inspector) DeclaredOutputs(ctx context.Context, drvPath string) (map[string]string, error) {
	out, err := i.runner.Run(ctx, "nix", "derivation", "show", drvPath)
	if err != nil {
		return nil, fmt.Errorf("querying derivation outputs: %w", err)
	}

	var derivations map[string]struct {
		Outputs map[string]struct {
			Path string `json:"path"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(out, &derivations); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("derivation show: %v", err)}
	}

	drv, ok := derivations[drvPath]
	if !ok {
		// nix may key by a resolved path; accept a single-entry result.
		if len(derivations) != 1 {
			return nil, &ParseError{Reason: fmt.Sprintf("derivation show returned %d derivations", len(derivations))}
		}
		for _, d := range derivations {
			drv = d
		}
	}

	outputs := make(map[string]string, len(drv.Outputs))
	for name, o := range drv.Outputs {
		outputs[name] = o.Path
	}
	if len(outputs) == 0 {
		return nil, &ParseError{Reason: "derivation declares no outputs"}
	}
	return outputs, nil
}

// QueryOutputs resolves size and hash for every declared output. The result
// has exactly one entry per output or the call fails as a whole.
func (i *Inspector) QueryOutputs(ctx context.Context, drvPath string, outputs map[string]string) (map[string]models.OutputInfo, error) {
	infos := make(map[string]models.OutputInfo, len(outputs))

	for name, path := range outputs {
		size, err := i.querySize(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		hash, err := i.queryHash(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		infos[name] = models.OutputInfo{
			Deriver: drvPath,
			Name:    name,
			Path:    path,
			Hash:    hash,
			Size:    size,
		}
	}

	return infos, nil
}

func (i *Inspector) querySize(ctx context.Context, path string) (uint64, error) {
	out, err := i.runner.Run(ctx, "nix-store", "--query", "--size", path)
	if err != nil {
		return 0, err
	}

	text := strings.TrimSpace(string(out))
	size, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, &ParseError{Reason: fmt.Sprintf("size %q for %s", text, path)}
	}
	return size, nil
}

func (i *Inspector) queryHash(ctx context.Context, path string) (string, error) {
	out, err := i.runner.Run(ctx, "nix-store", "--query", "--hash", path)
	if err != nil {
		return "", err
	}

	hash := strings.TrimSpace(string(out))
	if hash == "" {
		return "", &ParseError{Reason: "empty hash for " + path}
	}
	return hash, nil
}

// Realise builds the derivation directly with nix-store, honoring the wall
// and silence timeouts. It is the fallback path when no worker executable is
// configured; Nix serialises the build with its own locking.
func (i *Inspector) Realise(ctx context.Context, drvPath string, wallTimeout, maxSilent time.Duration) error {
	i.logger.Info("realising derivation", "drv", drvPath)

	_, err := i.runner.Run(ctx, "nix-store",
		"--realise",
		"--timeout", strconv.Itoa(int(wallTimeout.Seconds())),
		"--max-silent-time", strconv.Itoa(int(maxSilent.Seconds())),
		drvPath,
	)
	if err != nil {
		return fmt.Errorf("realising %s: %w", drvPath, err)
	}
	return nil
}

// IsValidStorePath checks if a string is a valid Nix store path.
func IsValidStorePath(path string) bool {
	if !strings.HasPrefix(path, "/nix/store/") {
		return false
	}
	// Store paths have format: /nix/store/<hash>-<name>
	// The hash is 32 characters of base32
	remainder := strings.TrimPrefix(path, "/nix/store/")
	if len(remainder) < 33 {
		return false
	}
	if remainder[32] != '-' {
		return false
	}
	return true
}
