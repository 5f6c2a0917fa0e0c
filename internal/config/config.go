// Package config loads the yaml configuration file and hot-reloads the
// mutable parts when the file changes on disk.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration file.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	DBPath string `yaml:"db_path"`

	// Proxy is the outbound proxy URL, empty for direct connections.
	// Mutable at runtime through the admin API or by editing the file.
	Proxy              string `yaml:"proxy"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	ImageCacheDir string        `yaml:"image_cache_dir"`
	ImageCacheTTL time.Duration `yaml:"image_cache_ttl"`
	ImageBaseURL  string        `yaml:"image_base_url"`

	RotationMaxRetries int           `yaml:"rotation_max_retries"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	TokenCacheTTL      time.Duration `yaml:"token_cache_ttl"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`

	CleanupSchedule string `yaml:"cleanup_schedule"`
	PrewarmSchedule string `yaml:"prewarm_schedule"`

	AdminPassword string `yaml:"admin_password"`
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.DBPath == "" {
		c.DBPath = "pool.db"
	}
	if c.ImageCacheDir == "" {
		c.ImageCacheDir = "image"
	}
	if c.ImageCacheTTL <= 0 {
		c.ImageCacheTTL = time.Hour
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 2 * time.Minute
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "@every 10m"
	}
	if c.PrewarmSchedule == "" {
		c.PrewarmSchedule = "@every 1m"
	}
}

// Load reads the configuration file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Manager holds the live configuration and watches the file for edits.
type Manager struct {
	mu      sync.RWMutex
	path    string
	cfg     *Config
	watcher *fsnotify.Watcher
}

// NewManager loads the file and returns a manager around it.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cfg: cfg}, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// ProxyURL returns the current outbound proxy URL, safe to call per request.
func (m *Manager) ProxyURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Proxy
}

// SetProxy updates the proxy URL and persists the file.
func (m *Manager) SetProxy(proxyURL string) error {
	m.mu.Lock()
	m.cfg.Proxy = proxyURL
	cfg := *m.cfg
	m.mu.Unlock()

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}

// Watch starts reloading the file on write events until Close is called.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files rather than write in place.
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ Config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		log.Printf("⚠️ Config reload failed, keeping previous config: %v", err)
		return
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	log.Printf("🔄 Reloaded config from %s", m.path)
}
