package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// withConfigFile layers the file named by STRANGERLINK_CONFIG under lookup.
// File keys are the environment names without the STRANGERLINK_ prefix, in
// lower case (listen_addr, auth_mode, ice_servers_json, ...). Any format
// viper understands works; the extension picks the parser.
func withConfigFile(lookup func(string) (string, bool)) (func(string) (string, bool), string, error) {
	path, _ := lookup(envVarConfigFile)
	path = strings.TrimSpace(path)
	if path == "" {
		return lookup, "", nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("read %s %q: %w", envVarConfigFile, path, err)
	}
	return layeredLookup(lookup, v), path, nil
}

func layeredLookup(lookup func(string) (string, bool), v *viper.Viper) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if val, ok := lookup(key); ok && val != "" {
			return val, true
		}
		fk := fileKey(key)
		if !v.IsSet(fk) {
			return "", false
		}
		val, err := fileValue(v.Get(fk))
		if err != nil {
			return "", false
		}
		return val, true
	}
}

func fileKey(envKey string) string {
	return strings.ToLower(strings.TrimPrefix(envKey, envPrefix))
}

// fileValue renders a decoded file value the way the equivalent env var
// would be written: lists of scalars become comma-separated, structured
// values become JSON.
func fileValue(raw any) (string, error) {
	switch val := raw.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				b, err := json.Marshal(val)
				return string(b), err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		b, err := json.Marshal(val)
		return string(b), err
	default:
		return fmt.Sprint(val), nil
	}
}
