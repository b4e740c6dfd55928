package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StrategyInstance is one strategy definition from strategies.yaml. The
// parameters map is overlaid on the family defaults by the strategy's
// Configure.
type StrategyInstance struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Symbol     string         `yaml:"symbol"`
	Interval   string         `yaml:"interval"`
	Parameters map[string]any `yaml:"parameters"`
	IsActive   bool           `yaml:"is_active"`
}

type strategyFile struct {
	Strategies []StrategyInstance `yaml:"strategies"`
}

// strategy families the engine ships.
var knownTypes = map[string]bool{"macd": true, "rsi": true, "sma": true}

// LoadStrategies parses strategy instances from a YAML file. IDs must be
// unique; type must name a known family; name defaults to the id and
// interval to 1m.
func LoadStrategies(path string) ([]StrategyInstance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy config: %w", err)
	}
	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy config: %w", err)
	}

	seen := make(map[string]bool, len(file.Strategies))
	out := make([]StrategyInstance, 0, len(file.Strategies))
	for i, inst := range file.Strategies {
		if inst.ID == "" {
			return nil, fmt.Errorf("strategy #%d: id required", i+1)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("strategy %q: duplicate id", inst.ID)
		}
		seen[inst.ID] = true
		inst.Type = strings.ToLower(inst.Type)
		if !knownTypes[inst.Type] {
			return nil, fmt.Errorf("strategy %q: unknown type %q", inst.ID, inst.Type)
		}
		if inst.Symbol == "" {
			return nil, fmt.Errorf("strategy %q: symbol required", inst.ID)
		}
		if inst.Name == "" {
			inst.Name = inst.ID
		}
		if inst.Interval == "" {
			inst.Interval = "1m"
		}
		out = append(out, inst)
	}
	return out, nil
}
