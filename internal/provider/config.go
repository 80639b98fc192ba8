package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cartrouter/internal/model"
)

const (
	defaultTimeoutMs = 3000
	defaultCurrency  = "USD"
)

// LoadConfig reads the provider table from a YAML file. String values may
// reference environment variables as ${NAME} so credentials stay out of the
// file.
func LoadConfig(path string) ([]model.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses a provider table. The YAML has a top-level "providers" key.
func ParseConfig(data []byte) ([]model.ProviderConfig, error) {
	var wrapper struct {
		Providers []model.ProviderConfig `yaml:"providers"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &wrapper); err != nil {
		return nil, eris.Wrap(err, "provider: parse config")
	}

	configs := wrapper.Providers
	for i := range configs {
		applyDefaults(&configs[i])
	}
	if err := ValidateConfigs(configs); err != nil {
		return nil, err
	}
	return configs, nil
}

func applyDefaults(c *model.ProviderConfig) {
	c.ID = strings.TrimSpace(c.ID)
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Kind == "" {
		c.Kind = model.ProviderKindREST
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = defaultTimeoutMs
	}
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = model.AuthNone
	}
}

// ValidateConfigs checks a provider table for internal consistency.
func ValidateConfigs(configs []model.ProviderConfig) error {
	var errs []string
	seen := make(map[string]bool, len(configs))

	for _, c := range configs {
		if c.ID == "" {
			errs = append(errs, "provider id must not be empty")
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate id", c.ID))
		}
		seen[c.ID] = true

		if c.Priority < 0 || c.Priority > 100 {
			errs = append(errs, fmt.Sprintf("%s: priority must be between 0 and 100", c.ID))
		}
		if c.CommissionRate < 0 || c.CommissionRate > 1 {
			errs = append(errs, fmt.Sprintf("%s: commission_rate must be between 0 and 1", c.ID))
		}
		if c.Retries < 0 {
			errs = append(errs, fmt.Sprintf("%s: retries must be >= 0", c.ID))
		}
		if len(c.Regions) == 0 {
			errs = append(errs, fmt.Sprintf("%s: at least one region is required", c.ID))
		}
		switch c.Kind {
		case model.ProviderKindMock:
		case model.ProviderKindREST:
			if c.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("%s: base_url is required for rest providers", c.ID))
			}
			if c.Auth.Mode == model.AuthClientCredentials && (c.Auth.TokenURL == "" || c.Auth.ClientID == "") {
				errs = append(errs, fmt.Sprintf("%s: oauth2 client credentials need token_url and client_id", c.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", c.ID, c.Kind))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("provider: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
