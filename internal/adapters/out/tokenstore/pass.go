package tokenstore

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
)

// Ensure PassStore implements out.KeyValueStore.
var _ out.KeyValueStore = (*PassStore)(nil)

// keyRegex validates keys and roots to prevent path injection.
// Allows alphanumeric characters, forward slashes, underscores, dots and hyphens.
var keyRegex = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)

// defaultPassRoot is the pass folder used when no prefix is configured.
const defaultPassRoot = "reach" //nolint:gosec // Not a credential, this is a pass store path

// passNotFound is printed by pass for missing entries.
const passNotFound = "is not in the password store"

// validateKey validates a key to prevent path traversal and command injection.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("invalid key: must contain only alphanumeric characters, /, _, ., -")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("invalid key: cannot contain '..' to prevent path traversal")
	}
	return nil
}

// PassStore implements KeyValueStore using the pass password manager.
// Entries live under root/<key>, encrypted with the user's GPG key.
type PassStore struct {
	root    string
	timeout time.Duration
	log     zerowrap.Logger

	// In-memory cache to avoid repeated gpg decryptions
	cacheMu sync.RWMutex
	cache   map[string]string
}

// NewPassStore creates a pass-backed store rooted at root.
// An empty or invalid root falls back to "reach".
func NewPassStore(root string, log zerowrap.Logger) *PassStore {
	root = strings.Trim(root, "/:")
	if validateKey(root) != nil {
		root = defaultPassRoot
	}
	return &PassStore{
		root:    root,
		timeout: 10 * time.Second,
		log:     log,
		cache:   make(map[string]string),
	}
}

func (s *PassStore) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	s.cacheMu.RLock()
	if v, ok := s.cache[key]; ok {
		s.cacheMu.RUnlock()
		return v, nil
	}
	s.cacheMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.passShow(ctx, s.path(key))
	if err != nil {
		return "", err
	}

	s.cacheMu.Lock()
	s.cache[key] = v
	s.cacheMu.Unlock()

	return v, nil
}

func (s *PassStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.passInsert(ctx, s.path(key), value); err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}

	s.cacheMu.Lock()
	s.cache[key] = value
	s.cacheMu.Unlock()

	s.log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "tokenstore").
		Str("provider", "pass").
		Str("key", key).
		Msg("value stored in pass")

	return nil
}

func (s *PassStore) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}

		// #nosec G204 -- command and args are fixed; key is validated and treated as data only.
		cmd := exec.CommandContext(ctx, "pass", "rm", "-f", s.path(key))
		if output, err := cmd.CombinedOutput(); err != nil && !strings.Contains(string(output), passNotFound) {
			return fmt.Errorf("failed to delete %s: %s: %w", key, strings.TrimSpace(string(output)), err)
		}

		s.cacheMu.Lock()
		delete(s.cache, key)
		s.cacheMu.Unlock()
	}
	return nil
}

func (s *PassStore) Close() error {
	return nil
}

// IsAvailable checks if pass is available in the system.
func (s *PassStore) IsAvailable() bool {
	cmd := exec.Command("pass", "version")
	return cmd.Run() == nil
}

func (s *PassStore) path(key string) string {
	return s.root + "/" + key
}

// passInsert inserts a value into pass.
func (s *PassStore) passInsert(ctx context.Context, path, value string) error {
	cmd := exec.CommandContext(ctx, "pass", "insert", "-m", "-f", path) //nolint:gosec // binary is constant ("pass"); path arguments are validated keys
	cmd.Stdin = strings.NewReader(value)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pass insert failed: %s: %w", string(output), err)
	}
	return nil
}

// passShow retrieves a value from pass.
func (s *PassStore) passShow(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "pass", "show", path) //nolint:gosec // binary is constant ("pass"); path arguments are validated keys
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if strings.Contains(stderr.String(), passNotFound) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("pass show failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(string(output)), nil
}
