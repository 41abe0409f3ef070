// Copyright (C) 2025-2026 Rowbine, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Spill SpillConfig `mapstructure:"spill"`
}

// SpillConfig configures the spill-aware sort sink and its collaborators.
type SpillConfig struct {
	// Enabled turns external spilling on. When false, sorts are purely
	// in-memory.
	Enabled bool `mapstructure:"enabled"`

	// Roots are the directories spill runs may be written under. Each root
	// gets its own IO worker pool.
	Roots []string `mapstructure:"roots"`

	// ByteBudget caps the encoded size of a single spill run.
	ByteBudget int64 `mapstructure:"byte_budget"`

	// MemoryLimitBytes is the per-sink high watermark that triggers a
	// mid-stream spill.
	MemoryLimitBytes int64 `mapstructure:"memory_limit_bytes"`

	// IOWorkers is the number of spill job workers per root.
	IOWorkers int `mapstructure:"io_workers"`

	// IOQueueDepth bounds pending spill jobs per root.
	IOQueueDepth int `mapstructure:"io_queue_depth"`
}

// DefaultSpillConfig returns the spill defaults.
func DefaultSpillConfig() SpillConfig {
	return SpillConfig{
		Enabled:          true,
		Roots:            []string{os.TempDir()},
		ByteBudget:       2 * 1024 * 1024 * 1024, // 2 GiB per run
		MemoryLimitBytes: 256 * 1024 * 1024,      // 256 MiB per sink
		IOWorkers:        2,
		IOQueueDepth:     8,
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "ROWBINE" and the dot character in
// keys is replaced by an underscore. For example, "spill.byte_budget"
// becomes "ROWBINE_SPILL_BYTE_BUDGET".
func Load() (*Config, error) {
	cfg := &Config{
		Spill: DefaultSpillConfig(),
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("ROWBINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if r := v.GetString("spill.roots"); r != "" {
		cfg.Spill.Roots = strings.Split(r, ",")
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
