package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Auth      AuthSection      `toml:"auth"`
	Channels  ChannelsSection  `toml:"channels"`
	Discovery DiscoverySection `toml:"discovery"`
}

type ServerSection struct {
	Name          string `toml:"name"`
	Description   string `toml:"description"`
	TCPPort       int    `toml:"tcp_port"`
	WebSocketPort int    `toml:"websocket_port"`
	SSHPort       int    `toml:"ssh_port"`
	SSHHostKey    string `toml:"ssh_host_key"`
	MetricsPort   int    `toml:"metrics_port"`
	DatabasePath  string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength        int `toml:"max_message_length"`
	ChatHistoryMaxCount     int `toml:"chat_history_max_count"`
	ChatHistoryDefaultCount int `toml:"chat_history_default_count"`
	MaxIdentifyAttempts     int `toml:"max_identify_attempts"`
}

type AuthSection struct {
	AcceptAllNewClients     bool `toml:"accept_all_new_clients"`
	BcryptCost              int  `toml:"bcrypt_cost"`
	SessionTokenTTLHours    int  `toml:"session_token_ttl_hours"`
	TokenSweepIntervalHours int  `toml:"token_sweep_interval_hours"`
}

type ChannelsSection struct {
	DefaultChannel string          `toml:"default_channel"`
	List           []ChannelConfig `toml:"list"`
}

// ChannelConfig is one public channel. ID is generated on first load when empty.
type ChannelConfig struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

type DiscoverySection struct {
	Servers         []string `toml:"servers"`
	IntervalSeconds int      `toml:"interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Name:         "My Concord Server",
			Description:  "",
			TCPPort:      8123,
			SSHHostKey:   "~/.concord/ssh_host_key",
			DatabasePath: "~/.concord/concord.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:        8192,
			ChatHistoryMaxCount:     100,
			ChatHistoryDefaultCount: 50,
			MaxIdentifyAttempts:     5,
		},
		Auth: AuthSection{
			AcceptAllNewClients:     false,
			BcryptCost:              12,
			SessionTokenTTLHours:    168, // 7 days
			TokenSweepIntervalHours: 24,
		},
		Channels: ChannelsSection{
			DefaultChannel: "general",
			List: []ChannelConfig{
				{Name: "general", Description: "General discussion"},
			},
		},
		Discovery: DiscoverySection{
			Servers:         []string{},
			IntervalSeconds: 60,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found.
// Channels without an id get one, and the file is rewritten to keep it.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		assignChannelIDs(&config)
		if err := writeConfig(path, config); err != nil {
			// Still runnable on defaults, e.g. read-only home
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if assignChannelIDs(&config) {
		if err := writeConfig(path, config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to store generated channel ids: %w", err)
		}
	}

	return config, nil
}

// assignChannelIDs gives every channel without a valid id a fresh one
func assignChannelIDs(c *TOMLConfig) bool {
	changed := false
	for i := range c.Channels.List {
		if _, err := uuid.Parse(c.Channels.List[i].ID); err != nil {
			c.Channels.List[i].ID = uuid.NewString()
			changed = true
		}
	}
	return changed
}

const configHeader = `# Concord Server Configuration
# Written by the server on first start and whenever channels change at runtime
# Edit as needed and restart the server for other changes to take effect

`

// writeConfig writes config to path, creating the directory if needed
func writeConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a sibling file and rename so readers never see a partial file
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if _, err := f.WriteString(configHeader); err != nil {
		f.Close()
		return err
	}
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Name) != "" {
		cfg.Name = c.Server.Name
	}
	cfg.Description = c.Server.Description

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.WebSocketPort = c.Server.WebSocketPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.ChatHistoryMaxCount > 0 {
		cfg.ChatHistoryMaxCount = c.Limits.ChatHistoryMaxCount
	}
	if c.Limits.ChatHistoryDefaultCount > 0 {
		cfg.ChatHistoryDefaultCount = c.Limits.ChatHistoryDefaultCount
	}
	if c.Limits.MaxIdentifyAttempts > 0 {
		cfg.MaxIdentifyAttempts = c.Limits.MaxIdentifyAttempts
	}

	cfg.AcceptAllNewClients = c.Auth.AcceptAllNewClients
	if c.Auth.BcryptCost > 0 {
		cfg.BcryptCost = c.Auth.BcryptCost
	}
	if c.Auth.SessionTokenTTLHours > 0 {
		cfg.SessionTokenTTL = time.Duration(c.Auth.SessionTokenTTLHours) * time.Hour
	}
	if c.Auth.TokenSweepIntervalHours > 0 {
		cfg.TokenSweepInterval = time.Duration(c.Auth.TokenSweepIntervalHours) * time.Hour
	}

	if c.Channels.DefaultChannel != "" {
		cfg.DefaultChannel = c.Channels.DefaultChannel
	}
	if len(c.Channels.List) > 0 {
		cfg.Channels = append([]ChannelConfig(nil), c.Channels.List...)
	}

	cfg.DiscoveryServers = append([]string(nil), c.Discovery.Servers...)
	if c.Discovery.IntervalSeconds > 0 {
		cfg.DiscoveryInterval = time.Duration(c.Discovery.IntervalSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return expandHome(DefaultTOMLConfig().Server.DatabasePath)
	}
	return expandHome(c.Server.DatabasePath)
}

// ConfigStore keeps the loaded file in sync with runtime channel changes.
// A nil *ConfigStore, or one with an empty path, never writes.
type ConfigStore struct {
	mu     sync.Mutex
	path   string
	config TOMLConfig
}

// NewConfigStore wraps a loaded config and the file it came from
func NewConfigStore(path string, config TOMLConfig) *ConfigStore {
	return &ConfigStore{path: path, config: config}
}

// SaveChannels replaces the channel list and writes the file
func (cs *ConfigStore) SaveChannels(channels []ChannelConfig) error {
	if cs == nil || cs.path == "" {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.config.Channels.List = append([]ChannelConfig(nil), channels...)
	return SaveConfig(cs.path, cs.config)
}

// Path returns the config file path, or "" when nothing is persisted
func (cs *ConfigStore) Path() string {
	if cs == nil {
		return ""
	}
	return cs.path
}

// SaveConfig writes config to path
func SaveConfig(path string, config TOMLConfig) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	return writeConfig(path, config)
}

// Reload re-reads the file, keeping the in-memory copy in step with edits
// made outside the server
func (cs *ConfigStore) Reload() (TOMLConfig, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	path, err := expandHome(cs.path)
	if err != nil {
		return TOMLConfig{}, err
	}
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	cs.config = config
	return config, nil
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	return expandHome(path)
}
