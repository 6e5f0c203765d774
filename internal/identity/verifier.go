// Package identity binds agent names to project directories and
// rejects spoofed claims.
//
// The binding is one-way: once an agent name is locked to an absolute
// project directory it cannot be reassigned by the agent; only a user
// override clears it. The verifier keeps its registry in a YAML file
// next to the coordination store and watches it for external
// modification, which is treated as a security event.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"agora/internal/api"
	"agora/pkg/logging"
)

// lockEntry is one name-to-directory binding in the registry file.
type lockEntry struct {
	AgentName        string    `yaml:"agent_name"`
	ProjectDirectory string    `yaml:"project_directory"`
	LockedAt         time.Time `yaml:"locked_at"`
}

// registryFile is the on-disk shape of the lock registry.
type registryFile struct {
	Locks []lockEntry `yaml:"locks"`
}

// Verifier implements the identity and anti-spoofing checks backed by
// a durable lock registry.
type Verifier struct {
	path    string
	mu      sync.RWMutex
	locks   map[string]lockEntry
	watcher *fsnotify.Watcher
}

// NewVerifier loads (or creates) the lock registry at path.
func NewVerifier(path string) (*Verifier, error) {
	v := &Verifier{
		path:  path,
		locks: make(map[string]lockEntry),
	}
	if err := v.load(); err != nil {
		return nil, fmt.Errorf("failed to load identity registry: %w", err)
	}
	return v, nil
}

// load reads the registry file into memory. A missing file is an empty
// registry.
func (v *Verifier) load() error {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("malformed identity registry %s: %w", v.path, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.locks = make(map[string]lockEntry, len(reg.Locks))
	for _, l := range reg.Locks {
		v.locks[l.AgentName] = l
	}
	return nil
}

// persist writes the registry back to disk atomically (write then
// rename).
func (v *Verifier) persist() error {
	v.mu.RLock()
	reg := registryFile{Locks: make([]lockEntry, 0, len(v.locks))}
	for _, l := range v.locks {
		reg.Locks = append(reg.Locks, l)
	}
	v.mu.RUnlock()

	data, err := yaml.Marshal(&reg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

// Verify checks the claimed identity against the locked registry.
// Three conditions are checked together: the claimed directory must be
// absolute, a locked binding for the name (when present) must record
// exactly that directory, and the claimed name must equal the locked
// name. Any mismatch is an IdentitySpoofingError; the caller records
// it as a security event.
func (v *Verifier) Verify(ctx context.Context, claimedName, claimedDir string) (*api.VerifiedIdentity, error) {
	if claimedName == "" {
		return nil, api.NewInvalidArgumentError("caller_agent_name is required")
	}
	if !filepath.IsAbs(claimedDir) {
		return nil, api.NewInvalidArgumentError("caller_project_dir must be an absolute path, got %q", claimedDir)
	}

	v.mu.RLock()
	lock, locked := v.locks[claimedName]
	v.mu.RUnlock()

	if locked && lock.ProjectDirectory != filepath.Clean(claimedDir) {
		logging.Warn("Identity", "spoofing attempt: agent %q claimed directory %q, locked to %q",
			claimedName, claimedDir, lock.ProjectDirectory)
		return nil, api.NewIdentitySpoofingError(
			"agent %q is locked to a different project directory", claimedName)
	}

	return &api.VerifiedIdentity{
		AgentName:        claimedName,
		ProjectDirectory: filepath.Clean(claimedDir),
	}, nil
}

// Lock records the one-way binding at first successful registration.
// Locking the same name to the same directory is a no-op; a different
// directory is a Conflict.
func (v *Verifier) Lock(ctx context.Context, agentName, projectDir string) error {
	if !filepath.IsAbs(projectDir) {
		return api.NewInvalidArgumentError("project directory must be absolute, got %q", projectDir)
	}
	clean := filepath.Clean(projectDir)

	v.mu.Lock()
	existing, locked := v.locks[agentName]
	if locked && existing.ProjectDirectory != clean {
		v.mu.Unlock()
		return api.NewConflictError("agent name %q already locked to another project directory", agentName)
	}
	if !locked {
		v.locks[agentName] = lockEntry{
			AgentName:        agentName,
			ProjectDirectory: clean,
			LockedAt:         time.Now().UTC(),
		}
	}
	v.mu.Unlock()

	if !locked {
		logging.Info("Identity", "locked agent name %q to %s", agentName, clean)
		return v.persist()
	}
	return nil
}

// Clear removes a binding. Only the user override path calls this.
func (v *Verifier) Clear(ctx context.Context, agentName string) error {
	v.mu.Lock()
	_, ok := v.locks[agentName]
	delete(v.locks, agentName)
	v.mu.Unlock()

	if !ok {
		return api.NewNotFoundError("identity lock", agentName)
	}
	logging.Info("Identity", "cleared identity lock for %q by user override", agentName)
	return v.persist()
}

// Watch observes the registry file for external modification and
// reloads it, logging a security warning. The agora process is the
// only legitimate writer at runtime.
func (v *Verifier) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create identity watcher: %w", err)
	}
	v.watcher = watcher

	// Watch the directory: the registry is replaced by rename, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(v.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch identity registry directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(v.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
					logging.Warn("Identity", "identity registry %s changed on disk, reloading", v.path)
					if err := v.load(); err != nil {
						logging.Error("Identity", err, "failed to reload identity registry")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error("Identity", err, "identity registry watcher error")
			}
		}
	}()
	return nil
}
