package state

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Backend stores the serialized state document of one stack.
type Backend interface {
	// Read returns the stored document, or nil if nothing has been written yet.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the stored document.
	Write(ctx context.Context, data []byte) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error

	// Location describes where the state lives, for messages.
	Location() string
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "local", "s3"
	Config map[string]string `json:"config"`
}

// S3BackendConfig holds configuration for S3 state backend.
type S3BackendConfig struct {
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	Region        string `json:"region"`
	DynamoDBTable string `json:"dynamodb_table"` // for locking
	Encrypt       bool   `json:"encrypt"`
	Profile       string `json:"profile"`
	Endpoint      string `json:"endpoint"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
}

// DefaultStateDir is where local state lives relative to the project.
const DefaultStateDir = ".deckhand"

// LocalStatePath returns the local state file for a stack.
func LocalStatePath(projectDir, stack string) string {
	return filepath.Join(projectDir, DefaultStateDir, "stacks", stack+".json")
}

// ParseBackendURL turns a --backend value into a BackendConfig. Accepted
// forms are "", "local", "file:///path/state.json" and
// "s3://bucket/prefix?region=..&lock_table=..&profile=..&endpoint=..&encrypt=true".
// For s3 the stack name is appended to the key prefix.
func ParseBackendURL(raw, projectDir, stack string) (*BackendConfig, error) {
	if raw == "" || raw == "local" {
		return &BackendConfig{Type: "local", Config: map[string]string{
			"path": LocalStatePath(projectDir, stack),
		}}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		return &BackendConfig{Type: "local", Config: map[string]string{"path": u.Path}}, nil
	case "s3":
		q := u.Query()
		prefix := strings.Trim(u.Path, "/")
		if prefix == "" {
			prefix = "deckhand"
		}
		cfg := map[string]string{
			"bucket":         u.Host,
			"key":            prefix + "/" + stack + ".json",
			"region":         q.Get("region"),
			"dynamodb_table": q.Get("lock_table"),
			"encrypt":        q.Get("encrypt"),
			"profile":        q.Get("profile"),
			"endpoint":       q.Get("endpoint"),
		}
		return &BackendConfig{Type: "s3", Config: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", u.Scheme)
	}
}

// NewBackend creates a state backend from configuration.
func NewBackend(ctx context.Context, cfg *BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			return nil, fmt.Errorf("local backend requires 'path' configuration")
		}
		return NewLocalBackend(path), nil
	case "s3":
		return newS3Backend(ctx, cfg.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
