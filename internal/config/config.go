// Package config loads settings from the config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tomlrepo "github.com/bnema/ssh-substituter/internal/adapters/repo/toml"
	"github.com/bnema/ssh-substituter/internal/adapters/transport/ssh"
	"github.com/bnema/ssh-substituter/internal/logging"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	envPrefix  = "SSH_SUBSTITUTER"

	KeySSHProgram       = "ssh.program"
	KeySSHOptions       = "ssh.options"
	KeySSHRemoteCommand = "ssh.remote_command"
	KeySSHCloseTimeout  = "ssh.close_timeout"
	KeyPoolMax          = "pool.max"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
)

type Config struct {
	Hosts     []string
	HostsFile string
	SSH       SSH
	Pool      Pool
	Log       Log
}

type SSH struct {
	Program       string
	Options       []string
	RemoteCommand string
	CloseTimeout  time.Duration
}

type Pool struct {
	// Max bounds concurrent connections per host; 0 means unbounded.
	Max int
}

type Log struct {
	Level  string
	Format string
}

// Load reads configFile, or config.toml under the user's config directory
// when configFile is empty, then overlays SSH_SUBSTITUTER_* variables. A
// missing default config file is not an error.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	dir, err := tomlrepo.ConfigDir()
	if err != nil {
		return Config{}, err
	}
	hostsPath, err := tomlrepo.DefaultHostsPath()
	if err != nil {
		return Config{}, err
	}

	setDefaults(v, hostsPath)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	closeTimeout, err := time.ParseDuration(v.GetString(KeySSHCloseTimeout))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeySSHCloseTimeout, err)
	}

	cfg := Config{
		Hosts:     v.GetStringSlice(tomlrepo.HostsKey),
		HostsFile: v.GetString(tomlrepo.HostsFileKey),
		SSH: SSH{
			Program:       strings.TrimSpace(v.GetString(KeySSHProgram)),
			Options:       v.GetStringSlice(KeySSHOptions),
			RemoteCommand: strings.TrimSpace(v.GetString(KeySSHRemoteCommand)),
			CloseTimeout:  closeTimeout,
		},
		Pool: Pool{Max: v.GetInt(KeyPoolMax)},
		Log: Log{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, hostsPath string) {
	v.SetDefault(tomlrepo.HostsKey, []string{})
	v.SetDefault(tomlrepo.HostsFileKey, hostsPath)
	v.SetDefault(KeySSHProgram, ssh.DefaultProgram)
	v.SetDefault(KeySSHOptions, ssh.DefaultOptions())
	v.SetDefault(KeySSHRemoteCommand, ssh.DefaultRemoteCommand)
	v.SetDefault(KeySSHCloseTimeout, ssh.DefaultCloseTimeout.String())
	v.SetDefault(KeyPoolMax, 0)
	v.SetDefault(KeyLogLevel, logging.DefaultLevel)
	v.SetDefault(KeyLogFormat, logging.DefaultFormat)
}

func (c Config) Validate() error {
	if c.SSH.Program == "" {
		return fmt.Errorf("%s must not be empty", KeySSHProgram)
	}
	if c.SSH.RemoteCommand == "" {
		return fmt.Errorf("%s must not be empty", KeySSHRemoteCommand)
	}
	if c.SSH.CloseTimeout <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeySSHCloseTimeout, c.SSH.CloseTimeout)
	}
	if c.Pool.Max < 0 {
		return fmt.Errorf("%s must not be negative, got %d", KeyPoolMax, c.Pool.Max)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("%s: %w", KeyLogFormat, err)
	}

	return nil
}
