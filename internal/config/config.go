package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

// Executor names accepted by sandbox.executor.
const (
	ExecutorContainer = "container"
	ExecutorInProcess = "inprocess"
)

type SandboxConfig struct {
	Executor      string        `mapstructure:"executor"`
	ScratchDir    string        `mapstructure:"scratch_dir"`
	ExecTimeout   time.Duration `mapstructure:"exec_timeout"`
	InputTimeout  time.Duration `mapstructure:"input_timeout"`
	Memory        string        `mapstructure:"memory"`
	CPUShares     int64         `mapstructure:"cpu_shares"`
	NanoCPUs      int64         `mapstructure:"nano_cpus"`
	PidsLimit     int64         `mapstructure:"pids_limit"`
	Network       bool          `mapstructure:"network"`
	LanguagesFile string        `mapstructure:"languages_file"`
	LuaCallStack  int           `mapstructure:"lua_call_stack"`
	JSCallStack   int           `mapstructure:"js_call_stack"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// AuthConfig maps bearer tokens to owner names. Token is a shortcut for a
// single operator token, convenient to set from the environment.
type AuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens"`
	Token  string            `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
}

// Load reads codebuddy.yaml from the given directories (default: the working
// directory and ~/.codebuddy), then applies CODEBUDDY_* environment
// overrides. A .env file in the working directory is loaded first. A missing
// config file is not an error.
func Load(dirs ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("codebuddy")
	v.SetConfigType("yaml")
	if len(dirs) == 0 {
		dirs = []string{".", "$HOME/.codebuddy"}
	}
	for _, d := range dirs {
		v.AddConfigPath(d)
	}

	v.SetEnvPrefix("codebuddy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("sandbox.executor", ExecutorContainer)
	v.SetDefault("sandbox.scratch_dir", filepath.Join(os.TempDir(), "codebuddy"))
	v.SetDefault("sandbox.exec_timeout", 60*time.Second)
	v.SetDefault("sandbox.input_timeout", 30*time.Second)
	v.SetDefault("sandbox.memory", "256m")
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("sandbox.nano_cpus", 1_000_000_000)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.languages_file", "")
	v.SetDefault("sandbox.lua_call_stack", 256)
	v.SetDefault("sandbox.js_call_stack", 10000)
	v.SetDefault("server.port", 5000)
	v.SetDefault("storage.db_path", filepath.Join(home, ".codebuddy", "codebuddy.db"))
	v.SetDefault("auth.token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Sandbox.Executor {
	case ExecutorContainer, ExecutorInProcess:
	default:
		return fmt.Errorf("sandbox.executor must be %q or %q, got %q", ExecutorContainer, ExecutorInProcess, c.Sandbox.Executor)
	}
	if c.Sandbox.ExecTimeout <= 0 {
		return fmt.Errorf("sandbox.exec_timeout must be positive")
	}
	if c.Sandbox.InputTimeout <= 0 {
		return fmt.Errorf("sandbox.input_timeout must be positive")
	}
	if c.Sandbox.LuaCallStack <= 0 || c.Sandbox.JSCallStack <= 0 {
		return fmt.Errorf("sandbox.lua_call_stack and sandbox.js_call_stack must be positive")
	}
	if _, err := sandbox.ParseMemory(c.Sandbox.Memory); err != nil {
		return fmt.Errorf("sandbox.memory: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// Catalog returns the container language catalog, merged with the
// languages_file overrides when one is configured.
func (c SandboxConfig) Catalog() (sandbox.Catalog, error) {
	if c.LanguagesFile == "" {
		return sandbox.DefaultCatalog(), nil
	}
	return sandbox.LoadCatalog(c.LanguagesFile)
}

// Policy builds container limits. Images in the catalog are allowed.
func (c SandboxConfig) Policy(cat sandbox.Catalog) (sandbox.Policy, error) {
	mem, err := sandbox.ParseMemory(c.Memory)
	if err != nil {
		return sandbox.Policy{}, err
	}
	return sandbox.Policy{
		Memory:    mem,
		CPUShares: c.CPUShares,
		NanoCPUs:  c.NanoCPUs,
		PidsLimit: c.PidsLimit,
		Network:   c.Network,
		Images:    cat.Images(),
	}, nil
}

// TokenTable returns every configured token with its owner.
func (a AuthConfig) TokenTable() map[string]string {
	out := make(map[string]string, len(a.Tokens)+1)
	for token, owner := range a.Tokens {
		out[token] = owner
	}
	if a.Token != "" {
		out[a.Token] = "operator"
	}
	return out
}
