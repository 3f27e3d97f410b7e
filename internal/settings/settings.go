// ABOUTME: Durable JSON settings store for micro-ROS agent configuration
// ABOUTME: Reads degrade to defaults; writes are atomic via temp-file rename

package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// Default agent settings, used whenever the settings file is missing,
// unreadable, or lacks a field.
const (
	DefaultTransport = "udp4"
	DefaultPort      = 2019
	DefaultVerbose   = 4
)

// Validation errors returned by AgentConfig.Validate.
var (
	ErrInvalidTransport = errors.New("invalid transport")
	ErrInvalidPort      = errors.New("port out of range")
	ErrInvalidVerbose   = errors.New("verbose level out of range")
)

// validTransports lists the transports the micro-ROS agent accepts.
var validTransports = map[string]bool{
	"udp4":   true,
	"udp6":   true,
	"serial": true,
	"tcp":    true,
}

// AgentConfig is the value object handed to the supervisor for a single
// start attempt. A new start reads fresh values from the store.
type AgentConfig struct {
	Transport string `json:"transport"`
	Port      int    `json:"port"`
	Verbose   int    `json:"verbose"`
}

// Validate checks field ranges before a config is persisted.
func (c AgentConfig) Validate() error {
	if !validTransports[c.Transport] {
		return fmt.Errorf("%w: %q (want udp4, udp6, serial, or tcp)", ErrInvalidTransport, c.Transport)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d (want 1-65535)", ErrInvalidPort, c.Port)
	}
	if c.Verbose < 0 || c.Verbose > 6 {
		return fmt.Errorf("%w: %d (want 0-6)", ErrInvalidVerbose, c.Verbose)
	}
	return nil
}

// DefaultAgentConfig returns the documented defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Transport: DefaultTransport,
		Port:      DefaultPort,
		Verbose:   DefaultVerbose,
	}
}

// agentSection is the on-disk shape of the agent settings block. Verbose
// is a pointer because 0 is a legal level and must survive a round trip.
type agentSection struct {
	Enabled   bool   `json:"enabled"`
	Transport string `json:"transport"`
	Port      int    `json:"port"`
	Verbose   *int   `json:"verbose"`
}

func intPtr(v int) *int { return &v }

// document is the full settings file: a single JSON object keyed by the
// agent's name, matching the layout other tools on the vehicle expect.
type document struct {
	MicroROSAgent agentSection `json:"micro_ros_agent"`
}

func defaultDocument() document {
	return document{
		MicroROSAgent: agentSection{
			Enabled:   false,
			Transport: DefaultTransport,
			Port:      DefaultPort,
			Verbose:   intPtr(DefaultVerbose),
		},
	}
}

// Store persists agent settings and the enabled intent in a single JSON
// document. All reads fall back to defaults rather than failing; all
// writes replace the file atomically so a crash mid-write never leaves a
// partially updated document.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	// selfWrites counts writes made through this store so the file
	// watcher can tell our own saves apart from external edits.
	selfWrites uint64
}

// NewStore creates a settings store backed by the file at path. The file
// is created with defaults on first read, not here.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With("component", "settings"),
	}
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// AgentConfig returns the persisted agent configuration, creating the file
// with defaults if it does not exist. Never fails: unreadable or corrupt
// files degrade to the documented defaults.
func (s *Store) AgentConfig() AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	return AgentConfig{
		Transport: doc.MicroROSAgent.Transport,
		Port:      doc.MicroROSAgent.Port,
		Verbose:   *doc.MicroROSAgent.Verbose,
	}
}

// SetAgentConfig durably persists the agent configuration. Returns an
// error on validation or I/O failure; the previous durable state remains
// observable after a failed write.
func (s *Store) SetAgentConfig(cfg AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	doc.MicroROSAgent.Transport = cfg.Transport
	doc.MicroROSAgent.Port = cfg.Port
	doc.MicroROSAgent.Verbose = intPtr(cfg.Verbose)
	return s.writeLocked(doc)
}

// Enabled returns the persisted enabled intent, defaulting to false.
func (s *Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readLocked().MicroROSAgent.Enabled
}

// SetEnabled durably persists the enabled intent.
func (s *Store) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	doc.MicroROSAgent.Enabled = enabled
	return s.writeLocked(doc)
}

// SelfWrites returns the number of writes made through this store. The
// watcher snapshots this counter to suppress events for our own saves.
func (s *Store) SelfWrites() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfWrites
}

// readLocked loads the settings document, seeding the file with defaults
// when absent and degrading to defaults on any error. Must be called with
// mu held.
func (s *Store) readLocked() document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("settings file not found, creating defaults", "path", s.path)
		} else {
			s.logger.Error("settings file unreadable, using defaults", "path", s.path, "error", err)
		}
		doc := defaultDocument()
		// Best-effort seed so the next reader finds a file.
		if werr := s.writeLocked(doc); werr != nil {
			s.logger.Error("writing default settings failed", "error", werr)
		}
		return doc
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("settings file corrupt, using defaults", "path", s.path, "error", err)
		return defaultDocument()
	}

	// Fill gaps left by hand-edited files.
	if doc.MicroROSAgent.Transport == "" {
		doc.MicroROSAgent.Transport = DefaultTransport
	}
	if doc.MicroROSAgent.Port == 0 {
		doc.MicroROSAgent.Port = DefaultPort
	}
	if doc.MicroROSAgent.Verbose == nil {
		doc.MicroROSAgent.Verbose = intPtr(DefaultVerbose)
	}
	return doc
}

// writeLocked atomically replaces the settings file. Must be called with
// mu held.
func (s *Store) writeLocked(doc document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}

	s.selfWrites++
	s.logger.Debug("settings persisted", "path", s.path)
	return nil
}
