package stitcher

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InputSpec binds a file glob to the category its rows belong to.
type InputSpec struct {
	Category string `yaml:"category" validate:"required"`
	Glob     string `yaml:"glob" validate:"required"`
}

// InputsConfig accepts either:
//  1. mapping form (preferred):
//     inputs:
//     sales: data/sales/*.json
//     purchase: [data/po/*.json, data/po/**/*.json]
//  2. list form:
//     inputs:
//     - category: sales
//     glob: data/sales/*.json
type InputsConfig struct {
	Items []InputSpec
}

func (c *InputsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputSpec, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			category := strings.TrimSpace(value.Content[i].Value)
			v := value.Content[i+1]
			if category == "" {
				continue
			}
			switch v.Kind {
			case yaml.ScalarNode:
				if g := strings.TrimSpace(v.Value); g != "" {
					items = append(items, InputSpec{Category: category, Glob: g})
				}
			case yaml.SequenceNode:
				var globs []string
				if err := v.Decode(&globs); err != nil {
					return err
				}
				for _, g := range globs {
					if g = strings.TrimSpace(g); g != "" {
						items = append(items, InputSpec{Category: category, Glob: g})
					}
				}
			default:
				continue
			}
		}
		c.Items = items
		return nil
	case yaml.SequenceNode:
		var items []InputSpec
		if err := value.Decode(&items); err != nil {
			return err
		}
		c.Items = items
		return nil
	default:
		return nil
	}
}

type DatabaseConfig struct {
	Folder string `yaml:"folder"`
	Prefix string `yaml:"prefix"`
}

type FileConfig struct {
	// Single DB path. Ignored when Database.Folder is set.
	DB string `yaml:"db"`

	// Monthly rolling DB files under Database.Folder.
	Database DatabaseConfig `yaml:"database"`

	Job   string `yaml:"job"`
	Debug bool   `yaml:"debug"`

	Inputs InputsConfig `yaml:"inputs"`

	// Globs of lifecycle event files evaluated against the SLA.
	Events []string `yaml:"events"`

	// Consumed input files are moved here after a successful run. Empty keeps them in place.
	ArchiveDir string `yaml:"archive_dir"`

	SLA          Settings `yaml:"sla"`
	BatteryASINs []string `yaml:"battery_asins"`

	SyslogAddr string `yaml:"syslog_addr"`
	Service    string `yaml:"service"`
}

// LoadConfig reads a YAML config. SLA fields missing from the file keep their defaults.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := FileConfig{SLA: DefaultSettings()}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.SLA.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
