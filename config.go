package runfold

import (
	"fmt"
	"os"

	"github.com/runfold/runfold/service/delegation"
	"github.com/runfold/runfold/service/hub"
	"github.com/runfold/runfold/service/orchestrator"
	"gopkg.in/yaml.v3"
)

// Config is a serialisable representation of the engine configuration. It can
// be populated from YAML or JSON. The zero-value is useful - all nested
// sections inherit their package defaults.
type Config struct {
	Orchestrator orchestrator.Config `json:"orchestrator" yaml:"orchestrator"`
	Hub          hub.Config          `json:"hub" yaml:"hub"`
	Delegation   delegation.Config   `json:"delegation" yaml:"delegation"`
}

// DefaultConfig returns a Config populated with the package defaults.
// Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: orchestrator.DefaultConfig(),
		Hub:          hub.DefaultConfig(),
		Delegation:   delegation.DefaultConfig(),
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Orchestrator.WorkerCount < 0 {
		return fmt.Errorf("orchestrator.workers must be >= 0")
	}
	if c.Orchestrator.HeartbeatInterval < 0 || c.Orchestrator.HeartbeatTimeout < 0 {
		return fmt.Errorf("orchestrator heartbeat settings must be >= 0")
	}
	if c.Hub.QueueCapacity < 0 {
		return fmt.Errorf("hub.queueCapacity must be >= 0")
	}
	if c.Delegation.MaxDepth < 0 {
		return fmt.Errorf("delegation.maxDepth must be >= 0")
	}
	return nil
}
