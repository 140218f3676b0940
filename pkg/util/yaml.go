package util

import "gopkg.in/yaml.v3"

// YAMLMarshalUnmarshal round-trips in through YAML and returns the generic
// form, with the field names the config file uses.
func YAMLMarshalUnmarshal(in any) (map[string]any, error) {
	b, err := yaml.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
