// Package config holds the per-stack configuration values a manifest reads.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/picklr-io/deckhand/internal/ir"
)

// ErrMissing is returned when a required key has no value.
var ErrMissing = errors.New("missing required configuration")

// Config is the resolved configuration for one stack.
type Config struct {
	stack string

	mu      sync.RWMutex
	values  map[string]any
	secrets map[string]bool
}

// New returns a configuration for stack seeded with values.
func New(stack string, values map[string]any) *Config {
	c := &Config{
		stack:   stack,
		values:  make(map[string]any, len(values)),
		secrets: make(map[string]bool),
	}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *Config) Stack() string { return c.stack }

// Set stores v under key, replacing any earlier value.
func (c *Config) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

// MarkSecret flags key so its value is masked when displayed.
func (c *Config) MarkSecret(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[key] = true
}

func (c *Config) IsSecret(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.secrets[key]
}

// Lookup returns the raw value for key.
func (c *Config) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Keys returns every configured key, sorted.
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns key as a string, or def when unset.
func (c *Config) Get(key, def string) string {
	v, ok := c.Lookup(key)
	if !ok || v == nil {
		return def
	}
	return stringify(v)
}

// Require returns the value for key or an error wrapping ErrMissing.
func (c *Config) Require(key string) (any, error) {
	v, ok := c.Lookup(key)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissing, c.stack, key)
	}
	return v, nil
}

// RequireSecret is Require for a key that must also be marked secret.
func (c *Config) RequireSecret(key string) (any, error) {
	v, err := c.Require(key)
	if err != nil {
		return nil, err
	}
	c.MarkSecret(key)
	return v, nil
}

func (c *Config) GetFloat(key string) (float64, error) {
	v, err := c.Require(key)
	if err != nil {
		return 0, err
	}
	return toFloat(v)
}

func (c *Config) GetInt(key string) (int, error) {
	f, err := c.GetFloat(key)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("config %s: %v is not an integer", key, f)
	}
	return int(f), nil
}

func (c *Config) GetBool(key string) (bool, error) {
	v, err := c.Require(key)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, perr := strconv.ParseBool(b)
		if perr != nil {
			return false, fmt.Errorf("config %s: %w", key, perr)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("config %s: %T is not a boolean", key, v)
}

// ApplySchema fills defaults, coerces values to their declared types and
// marks secret keys. Every key that is still missing is reported.
func (c *Config) ApplySchema(schema map[string]*ir.ConfigKey) error {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		decl := schema[key]
		if decl == nil {
			decl = &ir.ConfigKey{}
		}
		if decl.Secret {
			c.MarkSecret(key)
		}
		v, ok := c.Lookup(key)
		if !ok || v == nil {
			if decl.Default == nil {
				errs = append(errs, fmt.Errorf("%w: %s.%s", ErrMissing, c.stack, key))
				continue
			}
			v = decl.Default
		}
		coerced, err := coerce(v, decl.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("config %s: %w", key, err))
			continue
		}
		c.Set(key, coerced)
	}
	return errors.Join(errs...)
}

func coerce(v any, typ string) (any, error) {
	switch typ {
	case "", "any":
		return v, nil
	case "string":
		return stringify(v), nil
	case "number":
		return toFloat(v)
	case "integer":
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != float64(int64(f)) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(f), nil
	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(b))
		}
		return nil, fmt.Errorf("%T is not a boolean", v)
	}
	return nil, fmt.Errorf("unknown type %q", typ)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
