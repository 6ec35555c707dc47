package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"lnautopilot/engine/models"
)

// Config is the operator control-plane surface: the safety envelope, mode,
// and scheduler intervals that govern the running engine. A hot reload
// replaces the whole struct, but the running engine re-reads only the safety
// envelope and mode (at every tick); the scheduler intervals are
// read once when Run starts, cooldown_minutes once when the engine is built,
// and the node connection and persistence paths once at process startup.
type Config struct {
	Version   string    `yaml:"version"`
	UpdatedAt time.Time `yaml:"updated_at"`
	Checksum  string    `yaml:"-"`

	Envelope              models.SafetyEnvelope `yaml:"safety_envelope"`
	TickIntervalSeconds   int                   `yaml:"tick_interval_seconds"`
	WeightIntervalSeconds int                   `yaml:"weight_update_interval_seconds"`

	NodeRPCAddr     string `yaml:"node_rpc_addr"`
	NodeTLSPath     string `yaml:"node_tls_path"`
	NodeMacaroon    string `yaml:"node_macaroon_path"`
	NodeNetwork     string `yaml:"node_network"`
	PersistencePath string `yaml:"persistence_path"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"`
}

// TickInterval returns the control-tick cadence as a duration; zero config
// falls back to the scheduler default.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// WeightInterval returns the weight-update cadence as a duration.
func (c Config) WeightInterval() time.Duration {
	return time.Duration(c.WeightIntervalSeconds) * time.Second
}

// Defaults returns a Config with conservative defaults: shadow mode, wide
// safety bounds, and the standard scheduler cadence.
func Defaults() Config {
	return Config{
		Version: "1",
		Envelope: models.SafetyEnvelope{
			BaseFeeMsatMin:     0,
			BaseFeeMsatMax:     10_000,
			FeeRatePPMMin:      0,
			FeeRatePPMMax:      5_000,
			MaxFeeChangePct:    50,
			CooldownMinutes:    60,
			MaxChannelsPerTick: 10,
			Mode:               models.ModeShadow,
		},
		TickIntervalSeconds:   900,
		WeightIntervalSeconds: 86_400,
		NodeNetwork:           "mainnet",
		MetricsEnabled:        false,
		MetricsBackend:        "prom",
	}
}

// Validate enforces the invariants a config must hold before it is
// accepted. A bad update is rejected outright rather than silently
// normalized.
func (c Config) Validate() error {
	if c.Envelope.FeeRatePPMMax > 0 && c.Envelope.FeeRatePPMMin > c.Envelope.FeeRatePPMMax {
		return fmt.Errorf("%w: fee_rate_ppm_min > fee_rate_ppm_max", models.ErrMalformedArgument)
	}
	if c.Envelope.BaseFeeMsatMax > 0 && c.Envelope.BaseFeeMsatMin > c.Envelope.BaseFeeMsatMax {
		return fmt.Errorf("%w: base_fee_msat_min > base_fee_msat_max", models.ErrMalformedArgument)
	}
	if c.Envelope.MaxFeeChangePct < 0 {
		return fmt.Errorf("%w: max_fee_change_pct must be non-negative", models.ErrMalformedArgument)
	}
	if c.TickIntervalSeconds != 0 && (c.TickIntervalSeconds < 60 || c.TickIntervalSeconds > 86_400) {
		return fmt.Errorf("%w: tick_interval_seconds must be in [60,86400]", models.ErrMalformedArgument)
	}
	switch c.Envelope.Mode {
	case models.ModeShadow, models.ModeCanary, models.ModeActive, "":
	default:
		return fmt.Errorf("%w: unknown mode %q", models.ErrMalformedArgument, c.Envelope.Mode)
	}
	return nil
}

func (c Config) checksum() string {
	cpy := c
	cpy.Checksum = ""
	cpy.UpdatedAt = time.Time{}
	data, _ := yaml.Marshal(cpy)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// ConfigManager owns the on-disk control-plane config: loading, validating,
// atomically updating, and persisting a version history so a bad operator
// change can be rolled back.
type ConfigManager struct {
	mu          sync.RWMutex
	path        string
	versionsDir string
	current     Config
}

func NewConfigManager(path string) (*ConfigManager, error) {
	cm := &ConfigManager{path: path, versionsDir: filepath.Join(filepath.Dir(path), "config_versions"), current: Defaults()}
	if err := os.MkdirAll(cm.versionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config versions dir: %w", err)
	}
	if err := cm.Load(); err != nil {
		return nil, err
	}
	return cm, nil
}

// Load reads the config file if present, validates it, and makes it
// current. A missing file is not an error: defaults remain active.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, err := os.Stat(cm.path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(cm.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Checksum = cfg.checksum()
	cm.current = cfg
	return nil
}

// Current returns a copy of the active config.
func (cm *ConfigManager) Current() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.current
}

// Update validates, versions, and persists a new config, then makes it
// current. It never partially applies: validation failure leaves the
// running config untouched.
func (cm *ConfigManager) Update(cfg Config, changeDescription string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	cfg.Checksum = cfg.checksum()

	if err := cm.saveVersion(cfg, changeDescription); err != nil {
		return fmt.Errorf("save config version: %w", err)
	}
	if err := cm.saveToFile(cfg); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	cm.current = cfg
	return nil
}

func (cm *ConfigManager) saveToFile(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cm.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(cm.path, data, 0644)
}

type configVersion struct {
	Config            Config    `yaml:"config"`
	SavedAt           time.Time `yaml:"saved_at"`
	ChangeDescription string    `yaml:"change_description"`
}

func (cm *ConfigManager) saveVersion(cfg Config, desc string) error {
	v := configVersion{Config: cfg, SavedAt: time.Now(), ChangeDescription: desc}
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s.yaml", cfg.Checksum)
	return os.WriteFile(filepath.Join(cm.versionsDir, name), data, 0644)
}

// ConfigChange is emitted on the hot-reload watch channel whenever the file
// on disk changes in a way that alters its checksum.
type ConfigChange struct {
	Config           Config
	ChangedAt        time.Time
	PreviousChecksum string
}

// WatchHotReload follows the config manager's file for external edits and
// applies them automatically once they pass Validate. The returned channel
// closes when ctx is cancelled. Hot reload never touches the Node API
// connection fields; those are read once at process startup.
func (cm *ConfigManager) WatchHotReload(ctx context.Context) (<-chan ConfigChange, <-chan error) {
	changes := make(chan ConfigChange, 8)
	errs := make(chan error, 8)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errs <- fmt.Errorf("create file watcher: %w", err)
		close(changes)
		close(errs)
		return changes, errs
	}
	if err := watcher.Add(filepath.Dir(cm.path)); err != nil {
		errs <- fmt.Errorf("watch config dir: %w", err)
		close(changes)
		close(errs)
		_ = watcher.Close()
		return changes, errs
	}

	go func() {
		defer close(changes)
		defer close(errs)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(cm.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				previous := cm.Current().Checksum
				if err := cm.Load(); err != nil {
					errs <- err
					continue
				}
				next := cm.Current()
				if next.Checksum == previous {
					continue
				}
				changes <- ConfigChange{Config: next, ChangedAt: time.Now(), PreviousChecksum: previous}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			}
		}
	}()
	return changes, errs
}
