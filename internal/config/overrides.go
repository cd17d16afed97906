package config

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseOverrides decodes invocation-time "key=value" pairs into Settings using
// the same keys as the configuration file (e.g. "retention_count=5").
// Unknown keys and empty values are rejected.
func ParseOverrides(pairs []string) (Settings, error) {
	var out Settings
	if len(pairs) == 0 {
		return out, nil
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return out, fmt.Errorf("invalid override %q: expected key=value", pair)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			// an empty scalar decodes as null and would leave the setting unchanged
			return out, fmt.Errorf("override %q has an empty value", key)
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value},
		)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("encode overrides: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("invalid override: %w", err)
	}
	return out, nil
}
