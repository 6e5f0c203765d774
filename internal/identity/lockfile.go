package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LockFileName is the per-project configuration file written by the
// agent-name setup utility and read by consumer processes.
const LockFileName = ".agora/identity.yaml"

// LockFile is the per-project locked configuration.
type LockFile struct {
	AgentName        string    `yaml:"agent_name"`
	ProjectDirectory string    `yaml:"project_directory"`
	LockedAt         time.Time `yaml:"locked_at"`
}

// LoadLockFile reads the locked configuration from projectRoot. Used
// by the client library to resolve the identity it attaches to every
// request.
func LoadLockFile(projectRoot string) (*LockFile, error) {
	path := filepath.Join(projectRoot, LockFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no locked identity at %s: %w", path, err)
	}

	var lf LockFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("malformed identity lock file %s: %w", path, err)
	}
	if lf.AgentName == "" || lf.ProjectDirectory == "" {
		return nil, fmt.Errorf("identity lock file %s is incomplete", path)
	}
	return &lf, nil
}

// WriteLockFile records the locked configuration under projectRoot.
// Called once at first successful registration.
func WriteLockFile(projectRoot, agentName string) (*LockFile, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}
	lf := &LockFile{
		AgentName:        agentName,
		ProjectDirectory: abs,
		LockedAt:         time.Now().UTC(),
	}

	data, err := yaml.Marshal(lf)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(abs, LockFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	return lf, nil
}
