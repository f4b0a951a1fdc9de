package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Manager owns the loaded configuration and hot-reloads it when the config
// file changes. Tenant lookups are lock-free for readers via RWMutex.
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	viper    *viper.Viper
	path     string
	engine   Engine
	tenants  map[string]*Tenant
	onReload []func()
	watcher  *fsnotify.Watcher
	lastLoad time.Time
}

// NewManager creates a manager with engine defaults and no tenants.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		viper:   viper.New(),
		engine:  DefaultEngine(),
		tenants: make(map[string]*Tenant),
	}
}

// Load reads the YAML config at path, merging environment variables with the
// SENTINEL_ prefix, and replaces the current configuration on success.
func (m *Manager) Load(path string) error {
	m.viper.SetConfigFile(path)
	m.viper.SetConfigType("yaml")
	m.viper.AutomaticEnv()
	m.viper.SetEnvPrefix("SENTINEL")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := m.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Config{Engine: DefaultEngine()}
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	applyTenantDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.path = path
	m.engine = cfg.Engine
	m.tenants = make(map[string]*Tenant, len(cfg.Tenants))
	for i := range cfg.Tenants {
		t := cfg.Tenants[i]
		m.tenants[t.TenantID] = &t
	}
	m.lastLoad = time.Now()
	m.mu.Unlock()

	m.logger.Info("configuration loaded",
		zap.String("path", path),
		zap.Int("tenants", len(cfg.Tenants)))
	return nil
}

// applyTenantDefaults fills zero-valued tenant fields with the defaults so a
// sparse YAML document still yields a complete policy surface.
func applyTenantDefaults(cfg *Config) {
	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		def := DefaultTenant(t.TenantID)
		if t.Weights == (Weights{}) {
			t.Weights = def.Weights
		}
		if t.Thresholds == (Thresholds{}) {
			t.Thresholds = def.Thresholds
		}
		if t.Windows == (Windows{}) {
			t.Windows = def.Windows
		}
		if t.Timeouts == (Timeouts{}) {
			t.Timeouts = def.Timeouts
		}
		if t.Policies.ActionOnCritical == "" {
			t.Policies.ActionOnCritical = def.Policies.ActionOnCritical
		}
		if t.Detectors.ReportingThreshold == 0 {
			t.Detectors.ReportingThreshold = def.Detectors.ReportingThreshold
		}
		if t.Detectors.StructuringMinCount == 0 {
			t.Detectors.StructuringMinCount = def.Detectors.StructuringMinCount
		}
		if t.Detectors.VelocityMaxPerMin == 0 {
			t.Detectors.VelocityMaxPerMin = def.Detectors.VelocityMaxPerMin
		}
		if t.Detectors.VelocityMaxAmount1h == 0 {
			t.Detectors.VelocityMaxAmount1h = def.Detectors.VelocityMaxAmount1h
		}
		if t.Detectors.TimeAnomalySigma == 0 {
			t.Detectors.TimeAnomalySigma = def.Detectors.TimeAnomalySigma
		}
		if t.Detectors.MinBaselineEvents == 0 {
			t.Detectors.MinBaselineEvents = def.Detectors.MinBaselineEvents
		}
		if t.Detectors.HighRiskCountries == nil {
			t.Detectors.HighRiskCountries = def.Detectors.HighRiskCountries
		}
		if t.ScreeningTTL == 0 {
			t.ScreeningTTL = def.ScreeningTTL
		}
	}
}

// Watch starts watching the loaded config file and reloads on change.
// Registered reload callbacks fire after each successful reload.
func (m *Manager) Watch() error {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config loaded, nothing to watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.Load(path); err != nil {
					m.logger.Error("config reload failed, keeping previous", zap.Error(err))
					continue
				}
				m.mu.RLock()
				cbs := append([]func(){}, m.onReload...)
				m.mu.RUnlock()
				for _, cb := range cbs {
					cb()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// OnReload registers a callback invoked after each successful hot reload.
func (m *Manager) OnReload(cb func()) {
	m.mu.Lock()
	m.onReload = append(m.onReload, cb)
	m.mu.Unlock()
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Engine returns the engine configuration.
func (m *Manager) Engine() Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

// Tenant returns the configuration for a tenant, or false when unknown.
func (m *Manager) Tenant(tenantID string) (*Tenant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	return t, ok
}

// TenantIDs lists the provisioned tenants.
func (m *Manager) TenantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		out = append(out, id)
	}
	return out
}

// SetTenant installs or replaces a tenant configuration programmatically.
// Tests and embedders use this instead of a config file.
func (m *Manager) SetTenant(t Tenant) {
	m.mu.Lock()
	m.tenants[t.TenantID] = &t
	m.mu.Unlock()
}

// SetEngine replaces the engine configuration programmatically.
func (m *Manager) SetEngine(e Engine) {
	m.mu.Lock()
	m.engine = e
	m.mu.Unlock()
}
