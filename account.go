package connpool

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/maximhq/connpool/schemas"
	"gopkg.in/yaml.v3"
)

// StaticAccount serves provider configuration from a fixed map.
type StaticAccount struct {
	providers map[string]schemas.ProviderConfig
}

// NewStaticAccount wraps a provider map.
func NewStaticAccount(providers map[string]schemas.ProviderConfig) *StaticAccount {
	return &StaticAccount{providers: providers}
}

func (a *StaticAccount) GetConfiguredProviders() ([]string, error) {
	providers := make([]string, 0, len(a.providers))
	for provider := range a.providers {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers, nil
}

func (a *StaticAccount) GetConnectionConfigs(provider string) ([]schemas.ConnectionConfig, error) {
	cfg, ok := a.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrProviderNotConfigured, provider)
	}
	return cfg.Connections, nil
}

func (a *StaticAccount) GetPoolConfig(provider string) (*schemas.PoolConfig, error) {
	cfg, ok := a.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrProviderNotConfigured, provider)
	}
	poolConfig := cfg.Pool
	return &poolConfig, nil
}

// LoadConfig reads a manager config from a YAML or JSON file. Credential,
// header and AWS key values of the form "env.NAME" are replaced with the
// named environment variable.
func LoadConfig(path string) (schemas.ManagerConfig, error) {
	var config schemas.ManagerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := ParseConfig(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}

// ParseConfig decodes YAML or JSON (JSON is valid YAML) into config and
// resolves environment references. Durations accept Go duration strings.
func ParseConfig(data []byte, config *schemas.ManagerConfig) error {
	if err := yaml.Unmarshal(data, config); err != nil {
		return schemas.NewConfigurationError("", "", err.Error())
	}
	for provider, providerConfig := range config.Providers {
		for i := range providerConfig.Connections {
			if err := resolveEnvConnection(&providerConfig.Connections[i]); err != nil {
				return schemas.NewConfigurationError(provider, "connections."+providerConfig.Connections[i].ID, err.Error())
			}
		}
		config.Providers[provider] = providerConfig
	}
	return nil
}

func resolveEnvConnection(cfg *schemas.ConnectionConfig) error {
	var err error
	if cfg.Credential, err = resolveEnvValue(cfg.Credential); err != nil {
		return err
	}
	for key, value := range cfg.Headers {
		if cfg.Headers[key], err = resolveEnvValue(value); err != nil {
			return err
		}
	}
	if aws := cfg.Auth.AWS; aws != nil {
		for _, field := range []*string{&aws.AccessKeyID, &aws.SecretAccessKey, &aws.SessionToken} {
			if *field, err = resolveEnvValue(*field); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveEnvValue substitutes values that use the "env." prefix with the
// corresponding environment variable.
func resolveEnvValue(value string) (string, error) {
	envVar, ok := strings.CutPrefix(value, "env.")
	if !ok {
		return value, nil
	}
	resolved, exists := os.LookupEnv(envVar)
	if !exists {
		return "", fmt.Errorf("environment variable %s not found", envVar)
	}
	return resolved, nil
}
