package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/ssh-substituter/internal/domain"
	"github.com/bnema/ssh-substituter/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	HostsKey     = "hosts"
	HostsFileKey = "hosts_file"

	configDir       = ".config/ssh-substituter"
	hostsConfigFile = "hosts.toml"
)

// HostRepository lists the remote stores to contact: hosts named in the
// configuration first, then those in the hosts file.
type HostRepository struct {
	configured []string
	hostsPath  string
}

var _ ports.HostRepository = (*HostRepository)(nil)

func NewHostRepository(cfg *viper.Viper) (*HostRepository, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	if !cfg.IsSet(HostsFileKey) {
		path, err := DefaultHostsPath()
		if err != nil {
			return nil, err
		}
		cfg.SetDefault(HostsFileKey, path)
	}

	hostsPath := cfg.GetString(HostsFileKey)
	if hostsPath != "" {
		absPath, err := filepath.Abs(hostsPath)
		if err != nil {
			return nil, fmt.Errorf("resolve hosts path: %w", err)
		}
		hostsPath = filepath.Clean(absPath)
	}

	return &HostRepository{
		configured: cfg.GetStringSlice(HostsKey),
		hostsPath:  hostsPath,
	}, nil
}

// ConfigDir is the per-user directory holding config.toml and hosts.toml.
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(homeDir, configDir), nil
}

func DefaultHostsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, hostsConfigFile), nil
}

func (r *HostRepository) Path() string {
	return r.hostsPath
}

func (r *HostRepository) List(ctx context.Context) ([]domain.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(r.configured)+len(file.Hosts))
	hosts := make([]domain.Host, 0, len(r.configured)+len(file.Hosts))
	add := func(address, source string) error {
		address = strings.TrimSpace(address)
		if address == "" {
			return nil
		}
		if _, dup := seen[address]; dup {
			return nil
		}

		host := domain.Host{Address: address}
		if err := host.Validate(); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		seen[address] = struct{}{}
		hosts = append(hosts, host)
		return nil
	}

	for _, address := range r.configured {
		if err := add(address, "config"); err != nil {
			return nil, err
		}
	}
	for _, entry := range file.Hosts {
		if err := add(entry.Address, r.hostsPath); err != nil {
			return nil, err
		}
	}

	return hosts, nil
}

func (r *HostRepository) readSchema() (fileSchema, error) {
	if r.hostsPath == "" {
		return fileSchema{}, nil
	}

	data, err := os.ReadFile(r.hostsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, nil
		}
		return fileSchema{}, fmt.Errorf("read hosts file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode hosts file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}
