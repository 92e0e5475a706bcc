package tidemark

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/storage"
)

// Config configures a Store. The zero value is not usable; start from
// DefaultConfig or LoadConfig.
type Config struct {
	// Path is the directory of the backing store.
	Path string `yaml:"path"`
	// MinimumFreeGB aborts opening when the disk is nearly full.
	MinimumFreeGB int `yaml:"minimum_free_gb"`
	// GCInterval is the period of the value-log garbage collection.
	GCInterval time.Duration `yaml:"gc_interval"`
	// Secret derives the sealing key; all devices of a user share it.
	Secret string `yaml:"secret"`
	// GCPolicy is "eager" or "never".
	GCPolicy string `yaml:"gc_policy"`
	// PruningPolicy is "local-immediate" or "never".
	PruningPolicy string `yaml:"pruning_policy"`
	// WorkerCount sizes the shared worker pool; 0 means NumCPU*3.
	WorkerCount int `yaml:"worker_count"`
}

func DefaultConfig() Config {
	return Config{
		MinimumFreeGB: 1,
		GCInterval:    10 * time.Minute,
		GCPolicy:      "eager",
		PruningPolicy: "local-immediate",
	}
}

// LoadConfig reads a yaml config file, filling unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config: %w", err)
	}
	return config, config.validate()
}

func (c Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("config: secret is required")
	}
	if _, err := c.gcPolicy(); err != nil {
		return err
	}
	_, err := c.pruningPolicy()
	return err
}

func (c Config) gcPolicy() (storage.GCPolicy, error) {
	switch c.GCPolicy {
	case "", "eager":
		return storage.GCEagerLiveRoots, nil
	case "never":
		return storage.GCNever, nil
	}
	return 0, fmt.Errorf("config: unknown gc_policy %q", c.GCPolicy)
}

func (c Config) pruningPolicy() (commitgraph.PruningPolicy, error) {
	switch c.PruningPolicy {
	case "", "local-immediate":
		return commitgraph.PruneLocalImmediate, nil
	case "never":
		return commitgraph.PruneNever, nil
	}
	return 0, fmt.Errorf("config: unknown pruning_policy %q", c.PruningPolicy)
}
