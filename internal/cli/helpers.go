package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/picklr-io/deckhand/internal/config"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/internal/stack"
	"github.com/picklr-io/deckhand/internal/state"
)

const defaultStack = "dev"

// project returns the absolute project directory and the stack to use.
func project() (string, string, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve project directory %s: %w", projectDir, err)
	}
	name := stackName
	if name == "" {
		name = selectedStack(dir)
	}
	return dir, name, nil
}

// loadStack reads the manifest and the stack's configuration with the
// --config overrides applied.
func loadStack(ctx context.Context) (*stack.Stack, error) {
	dir, name, err := project()
	if err != nil {
		return nil, err
	}
	overrides, err := config.ParseOverrides(configPairs)
	if err != nil {
		return nil, err
	}
	return stack.Load(ctx, dir, name, overrides)
}

func openBackend(ctx context.Context) (state.Backend, error) {
	dir, name, err := project()
	if err != nil {
		return nil, err
	}
	cfg, err := state.ParseBackendURL(backendURL, dir, name)
	if err != nil {
		return nil, err
	}
	return state.NewBackend(ctx, cfg)
}

// openStore opens the state without locking it, for read-only commands.
func openStore(ctx context.Context) (*state.Store, error) {
	backend, err := openBackend(ctx)
	if err != nil {
		return nil, err
	}
	return state.Open(ctx, backend)
}

// withLockedStore locks the state for the duration of fn.
func withLockedStore(ctx context.Context, fn func(*state.Store) error) (err error) {
	backend, err := openBackend(ctx)
	if err != nil {
		return err
	}
	if err := backend.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock state at %s: %w", backend.Location(), err)
	}
	defer func() {
		if uerr := backend.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			logging.Warn("Failed to unlock state", "location", backend.Location(), "error", uerr)
			err = errors.Join(err, uerr)
		}
	}()

	store, err := state.Open(ctx, backend)
	if err != nil {
		return err
	}
	return fn(store)
}

// confirm asks a yes/no question on in. Anything but "y" or "yes" is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "\n%s (y/n): ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
