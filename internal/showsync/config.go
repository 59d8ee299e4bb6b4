package showsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML config values can be written as
// "2s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type UserConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type TimingsConfig struct {
	PersistDebounce   Duration `yaml:"persist_debounce"`
	JournalFlushDelay Duration `yaml:"journal_flush_delay"`
	PersistInterval   Duration `yaml:"persist_interval"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
}

type Config struct {
	ServerURL   string        `yaml:"server_url"`
	PushURL     string        `yaml:"push_url"`
	SnapshotDSN string        `yaml:"snapshot_dsn"`
	User        UserConfig    `yaml:"user"`
	Timings     TimingsConfig `yaml:"timings"`
}

func (c *Config) Identity() Identity {
	return Identity{UserID: c.User.ID, UserName: c.User.Name}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("%w: server_url is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.PushURL) == "" {
		return fmt.Errorf("%w: push_url is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.User.ID) == "" {
		return fmt.Errorf("%w: user.id is required", ErrInvalidInput)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SnapshotDSN == "" {
		cfg.SnapshotDSN = "file:" + filepath.Join(defaultStateDir(), "projects")
	}
	return &cfg, nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "showsync")
	}
	return ".showsync"
}

// WatchConfig re-reads the config file whenever it changes and hands the
// parsed result to onChange. Reload failures are logged and the previous
// config stays in effect. Blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, logger Logger, onChange func(*Config)) error {
	if onChange == nil {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file wholesale, which
	// drops a watch installed on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			changed, absErr := filepath.Abs(event.Name)
			if absErr != nil || changed != target {
				continue
			}
			cfg, loadErr := LoadConfig(path)
			if loadErr != nil {
				if logger != nil {
					logger.Printf("config reload failed, keeping previous: %v", loadErr)
				}
				continue
			}
			onChange(cfg)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("config watcher: %v", watchErr)
			}
		}
	}
}
