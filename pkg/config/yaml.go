// Package config contains the pieces needed to configure casdump,
// next to what kong already provides.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader reading flag values from a YAML document.
//
// Keys are flag names, with dashes or underscores:
//
//	data-dir: /srv/casdump
//	max_size: 1GB
//
// Nested mappings are looked up with dotted flag names, as kong.JSON does.
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]interface{}{}
	err := yaml.NewDecoder(r).Decode(&values)
	// empty files are fine
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("unable to parse YAML config: %w", err)
	}

	var f kong.ResolverFunc = func(context *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		for _, name := range []string{flag.Name, strings.ReplaceAll(flag.Name, "-", "_")} {
			raw, ok := lookup(values, name)
			if !ok {
				continue
			}
			return toFlagValue(raw)
		}
		return nil, nil
	}

	return f, nil
}

func lookup(values map[string]interface{}, name string) (interface{}, bool) {
	if raw, ok := values[name]; ok {
		return raw, true
	}

	var raw interface{} = values
	for _, part := range strings.Split(name, ".") {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, false
		}
		raw, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return raw, true
}

// toFlagValue turns a decoded YAML value into something kong's mappers accept.
// Scalars are passed as strings, so `max-size: 500` ends up in the same mapper as `max-size: 500MB`.
func toFlagValue(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := toFlagValue(item)
			if err != nil {
				return nil, err
			}
			parts = append(parts, fmt.Sprint(s))
		}
		return strings.Join(parts, ","), nil
	case map[string]interface{}:
		return nil, fmt.Errorf("unexpected mapping in YAML config, expected a scalar")
	default:
		return fmt.Sprint(v), nil
	}
}
