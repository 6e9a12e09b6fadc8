package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a YAML mapping keeping key order, so definitions
// written in YAML produce the same documents as their JSON equivalents.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: expected mapping at line %d", node.Line)
	}
	parsed, err := fromYAMLMapping(node)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func fromYAMLMapping(node *yaml.Node) (Config, error) {
	out := Config{values: make(map[string]any, len(node.Content)/2)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		v, err := fromYAMLNode(node.Content[i+1])
		if err != nil {
			return Config{}, fmt.Errorf("key %q: %w", key, err)
		}
		if _, exists := out.values[key]; !exists {
			out.keys = append(out.keys, key)
		}
		out.values[key] = v
	}
	return out, nil
}

func fromYAMLNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.MappingNode:
		return fromYAMLMapping(node)
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, n := range node.Content {
			v, err := fromYAMLNode(n)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case yaml.AliasNode:
		return fromYAMLNode(node.Alias)
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			return nil, nil
		case "!!bool":
			b, err := strconv.ParseBool(node.Value)
			if err != nil {
				return nil, err
			}
			return b, nil
		case "!!int":
			var n int64
			if err := node.Decode(&n); err != nil {
				return nil, err
			}
			return json.Number(strconv.FormatInt(n, 10)), nil
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return nil, err
			}
			if math.IsInf(f, 0) || math.IsNaN(f) {
				return nil, fmt.Errorf("non-finite number %q at line %d", node.Value, node.Line)
			}
			return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
		default:
			return node.Value, nil
		}
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d", node.Kind)
	}
}
