package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/mohammed-shakir/pgfeatures/internal/provider"
)

// PasswordEnvPrefix prefixes per-collection password overrides:
// PGFEATURES_<NAME>_PASSWORD.
const PasswordEnvPrefix = "PGFEATURES_"

type collectionsFile struct {
	Collections []provider.Config `mapstructure:"collections"`
}

// LoadCollections reads collection definitions from a YAML, JSON or TOML
// file. Passwords may be supplied through the environment instead of the
// file.
func LoadCollections(path string) ([]provider.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read collections file %s: %w", path, err)
	}

	var f collectionsFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode collections file %s: %w", path, err)
	}
	if len(f.Collections) == 0 {
		return nil, fmt.Errorf("collections file %s defines no collections", path)
	}

	seen := make(map[string]struct{}, len(f.Collections))
	for i := range f.Collections {
		c := &f.Collections[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("collection %q defined twice", c.Name)
		}
		seen[c.Name] = struct{}{}
		if pw, ok := os.LookupEnv(PasswordEnv(c.Name)); ok {
			c.Data.Password = pw
		}
	}
	return f.Collections, nil
}

// PasswordEnv is the variable overriding the password of collection name.
func PasswordEnv(name string) string {
	var b strings.Builder
	b.WriteString(PasswordEnvPrefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_PASSWORD")
	return b.String()
}
