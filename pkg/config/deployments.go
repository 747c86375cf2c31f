package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Deployment binds a tenant to one configured instance of a connector.
type Deployment struct {
	ID        string          `yaml:"id" json:"id"`
	Tenant    string          `yaml:"tenant" json:"tenant"`
	Connector string          `yaml:"connector" json:"connector"`
	Config    json.RawMessage `yaml:"-" json:"config"`
}

type deploymentsFile struct {
	Deployments []struct {
		ID        string         `yaml:"id"`
		Tenant    string         `yaml:"tenant"`
		Connector string         `yaml:"connector"`
		Config    map[string]any `yaml:"config"`
	} `yaml:"deployments"`
}

// LoadDeployments reads a deployments file. ${VAR} references are expanded
// from the environment before parsing.
func LoadDeployments(path string) ([]Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDeployments read: %w", err)
	}
	return ParseDeployments([]byte(os.ExpandEnv(string(data))))
}

// ParseDeployments decodes and validates deployments YAML. Each connector
// config is converted to JSON, the form connectors decode.
func ParseDeployments(data []byte) ([]Deployment, error) {
	var f deploymentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config.ParseDeployments: %w", err)
	}

	seen := make(map[string]bool, len(f.Deployments))
	out := make([]Deployment, 0, len(f.Deployments))
	var errs []error
	for i, d := range f.Deployments {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Errorf("deployment %d: id is required", i))
			continue
		case seen[d.ID]:
			errs = append(errs, fmt.Errorf("deployment %s: duplicate id", d.ID))
			continue
		case d.Tenant == "":
			errs = append(errs, fmt.Errorf("deployment %s: tenant is required", d.ID))
		case d.Connector == "":
			errs = append(errs, fmt.Errorf("deployment %s: connector is required", d.ID))
		}
		seen[d.ID] = true

		cfg := d.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("deployment %s: config: %w", d.ID, err))
			continue
		}
		out = append(out, Deployment{ID: d.ID, Tenant: d.Tenant, Connector: d.Connector, Config: raw})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config.ParseDeployments: %w", err)
	}
	return out, nil
}
