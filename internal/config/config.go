// Package config provides configuration loading for the terminal service.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/melih/termfleet/internal/adapters/automation"
	"github.com/melih/termfleet/internal/core/domain"
)

// DefaultConfigMount is where the terminal image reads its shared files.
const DefaultConfigMount = "/config/.wine/drive_c/users/abc/AppData/Roaming/MetaQuotes/Terminal/Common/Files"

// Config is the main configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Ports      PortsConfig      `yaml:"ports"`
	Storage    StorageConfig    `yaml:"storage"`
	Template   TemplateConfig   `yaml:"template"`
	Automation AutomationConfig `yaml:"automation"`
	Proxy      ProxyConfig      `yaml:"proxy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicHost is the hostname placed in the access URLs handed to users.
	PublicHost      string        `yaml:"public_host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RuntimeConfig holds container runtime configuration.
type RuntimeConfig struct {
	Image         string `yaml:"image"`
	ContainerPort int    `yaml:"container_port"`

	// ConfigMount is the in-container path the user's config dir is mounted at.
	ConfigMount string        `yaml:"config_mount"`
	MemoryLimit string        `yaml:"memory_limit"`
	CPULimit    float64       `yaml:"cpu_limit"`
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// HostIP is the host address published ports bind to.
	HostIP             string `yaml:"host_ip"`
	InspectConcurrency int    `yaml:"inspect_concurrency"`
}

// MemoryBytes parses MemoryLimit. An empty limit is 0, meaning unlimited.
func (c *RuntimeConfig) MemoryBytes() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	return units.RAMInBytes(c.MemoryLimit)
}

// NanoCPUs converts CPULimit to the runtime's unit.
func (c *RuntimeConfig) NanoCPUs() int64 {
	return int64(c.CPULimit * 1e9)
}

// PortsConfig holds the host port range.
type PortsConfig struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
	// Reserve holds chosen ports in-process until creation finishes. Defaults to true.
	Reserve *bool `yaml:"reserve,omitempty"`
}

// ReserveEnabled returns whether port reservation is on (defaults to true).
func (c *PortsConfig) ReserveEnabled() bool {
	if c.Reserve == nil {
		return true
	}
	return *c.Reserve
}

// StorageConfig holds user config storage configuration.
type StorageConfig struct {
	UsersDir    string             `yaml:"users_dir"`
	MergePolicy domain.MergePolicy `yaml:"merge_policy"`
}

// TemplateConfig locates the base user config. Path and Git are exclusive.
type TemplateConfig struct {
	Path string             `yaml:"path"`
	Git  *GitTemplateConfig `yaml:"git,omitempty"`
}

// GitTemplateConfig points at a template file in a git repository.
type GitTemplateConfig struct {
	URL  string `yaml:"url"`
	Ref  string `yaml:"ref"`
	File string `yaml:"file"`
}

// AutomationConfig holds browser automation configuration.
type AutomationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DefaultDelay  time.Duration `yaml:"default_delay"`
	MaxConcurrent int           `yaml:"max_concurrent"`

	// PasswordChangeEnabled turns the password-change endpoint from a no-op
	// into a scheduled rotation.
	PasswordChangeEnabled bool `yaml:"password_change_enabled"`

	// DriverHost is how the browser reaches published ports.
	DriverHost string               `yaml:"driver_host"`
	Browser    BrowserConfig        `yaml:"browser"`
	Selectors  automation.Selectors `yaml:"selectors"`
}

// BrowserConfig configures the automation browser.
type BrowserConfig struct {
	Headless     *bool         `yaml:"headless,omitempty"`
	NoSandbox    bool          `yaml:"no_sandbox"`
	ExecPath     string        `yaml:"exec_path"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// IsHeadless returns whether the browser runs headless (defaults to true).
func (c *BrowserConfig) IsHeadless() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// ProxyConfig holds subdomain proxy configuration.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Domain  string `yaml:"domain"`
}

// envVarPattern matches ${VAR_NAME} patterns for environment variable substitution.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load loads configuration from a YAML file with environment variable substitution.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		if path == "" {
			path = "config.yaml"
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	substituted, err := substituteEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("substituting env vars: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Comment lines are left alone.
func substituteEnvVars(content string) (string, error) {
	var missingVars []string
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			varName := envVarPattern.FindStringSubmatch(match)[1]
			value, ok := os.LookupEnv(varName)
			if !ok {
				missingVars = append(missingVars, varName)
				return match
			}
			return value
		})
	}

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing environment variables: %v", missingVars)
	}

	return strings.Join(lines, "\n"), nil
}

// applyDefaults sets default values for configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}

	if cfg.Server.PublicHost == "" {
		cfg.Server.PublicHost = "localhost"
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Runtime.ContainerPort == 0 {
		cfg.Runtime.ContainerPort = 3000
	}

	if cfg.Runtime.ConfigMount == "" {
		cfg.Runtime.ConfigMount = DefaultConfigMount
	}

	if cfg.Runtime.StopTimeout == 0 {
		cfg.Runtime.StopTimeout = 10 * time.Second
	}

	if cfg.Runtime.HostIP == "" {
		cfg.Runtime.HostIP = "0.0.0.0"
	}

	if cfg.Runtime.InspectConcurrency == 0 {
		cfg.Runtime.InspectConcurrency = 8
	}

	if cfg.Ports.Start == 0 && cfg.Ports.End == 0 {
		cfg.Ports.Start = 4000
		cfg.Ports.End = 6000
	}

	if cfg.Storage.UsersDir == "" {
		cfg.Storage.UsersDir = "users"
	}

	if cfg.Storage.MergePolicy == "" {
		cfg.Storage.MergePolicy = domain.MergeTruthy
	}

	if cfg.Template.Path == "" && cfg.Template.Git == nil {
		cfg.Template.Path = "config.json"
	}

	if cfg.Template.Git != nil && cfg.Template.Git.File == "" {
		cfg.Template.Git.File = "config.json"
	}

	if cfg.Automation.DefaultDelay == 0 {
		cfg.Automation.DefaultDelay = 30 * time.Second
	}

	if cfg.Automation.MaxConcurrent == 0 {
		cfg.Automation.MaxConcurrent = 2
	}

	if cfg.Automation.DriverHost == "" {
		cfg.Automation.DriverHost = "localhost"
	}

	if cfg.Proxy.Domain == "" {
		cfg.Proxy.Domain = "localhost"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Runtime.Image == "" {
		return errors.New("runtime.image is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Start, c.Ports.End)
	}

	if c.Server.Port >= c.Ports.Start && c.Server.Port <= c.Ports.End {
		return fmt.Errorf("server.port %d overlaps the container port range", c.Server.Port)
	}

	if _, err := c.Runtime.MemoryBytes(); err != nil {
		return fmt.Errorf("runtime.memory_limit: %w", err)
	}

	if c.Runtime.CPULimit < 0 {
		return errors.New("runtime.cpu_limit must not be negative")
	}

	if !c.Storage.MergePolicy.Valid() {
		return fmt.Errorf("storage.merge_policy must be %q or %q, got %q",
			domain.MergeTruthy, domain.MergePresent, c.Storage.MergePolicy)
	}

	if c.Template.Path != "" && c.Template.Git != nil {
		return errors.New("template.path and template.git are mutually exclusive")
	}

	if c.Template.Git != nil && c.Template.Git.URL == "" {
		return errors.New("template.git.url is required")
	}

	if c.Automation.MaxConcurrent < 0 {
		return errors.New("automation.max_concurrent must not be negative")
	}

	return nil
}
