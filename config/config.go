//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Unknwon/goconfig"
	"github.com/pkg/errors"
)

// EnvCfgFile locates the configuration file; any key may be overridden by
// PHOBOS_<SECTION>_<key> in the environment.
const (
	EnvCfgFile = "PHOBOS_CFG_FILE"
	envPrefix  = "PHOBOS_"

	DefaultCfgFile = "/etc/phobos.conf"
)

// Well-known sections.
const (
	SectionLrs     = "lrs"
	SectionTlc     = "tlc"
	SectionScsi    = "scsi"
	SectionLibScsi = "lib_scsi"
	SectionStore   = "store"
	SectionDss     = "dss"
)

// Config is the process-wide configuration. It is loaded once at startup
// and thereafter either read-only or mutated through the configure RPC,
// which the single-threaded daemon loop serialises.
type Config struct {
	mu   sync.RWMutex
	file *goconfig.ConfigFile
	path string
}

// Load reads the INI file at path, or at $PHOBOS_CFG_FILE, or at the
// default location, in that order of preference. A missing file yields an
// empty configuration so that env-only setups keep working.
func Load(path string) (*Config, error) {

	if path == "" {
		path = os.Getenv(EnvCfgFile)
	}
	if path == "" {
		path = DefaultCfgFile
	}

	cfg := &Config{path: path}

	file, err := goconfig.LoadConfigFile(path)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "loading config file %s", path)
		}

		file, _ = goconfig.LoadFromData([]byte{})
	}

	cfg.file = file

	return cfg, nil
}

// TlcSection returns the per-library section name for a library.
func TlcSection(library string) string {
	return SectionTlc + "_" + library
}

func envKey(section, key string) string {
	return envPrefix + strings.ToUpper(section) + "_" + key
}

// GetValue resolves a key: environment override first, then the INI file.
// A missing key returns ok=false rather than an error so that callers can
// apply defaults.
func (c *Config) GetValue(section, key string) (string, bool) {

	if v, ok := os.LookupEnv(envKey(section, key)); ok {
		return v, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	v, err := c.file.GetValue(section, key)
	if err != nil {
		return "", false
	}

	return v, true
}

// GetString resolves a key with a default.
func (c *Config) GetString(section, key, dflt string) string {
	if v, ok := c.GetValue(section, key); ok {
		return v
	}

	return dflt
}

// GetInt resolves an integer key with a default. A malformed value falls
// back to the default.
func (c *Config) GetInt(section, key string, dflt int) int {
	v, ok := c.GetValue(section, key)
	if !ok {
		return dflt
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return dflt
	}

	return n
}

// GetBool resolves a boolean key with a default.
func (c *Config) GetBool(section, key string, dflt bool) bool {
	v, ok := c.GetValue(section, key)
	if !ok {
		return dflt
	}

	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return dflt
	}

	return b
}

// GetDuration resolves a duration key expressed in seconds (plain integer)
// or in Go duration syntax.
func (c *Config) GetDuration(section, key string, dflt time.Duration) time.Duration {
	v, ok := c.GetValue(section, key)
	if !ok {
		return dflt
	}

	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}

	if d, err := time.ParseDuration(v); err == nil {
		return d
	}

	return dflt
}

// Set mutates one key in memory.
func (c *Config) Set(section, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.file.SetValue(section, key, value)
}

// SetAll applies a batch of "section.key" -> value mutations atomically:
// every key is validated before any is applied.
func (c *Config) SetAll(values map[string]string) error {

	type kv struct{ section, key, value string }
	batch := make([]kv, 0, len(values))

	for path, value := range values {
		section, key, found := strings.Cut(path, ".")
		if !found || section == "" || key == "" {
			return errors.Errorf("malformed configuration key %q", path)
		}
		batch = append(batch, kv{section, key, value})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range batch {
		c.file.SetValue(e.section, e.key, e.value)
	}

	return nil
}

// GetAll snapshots the requested "section.key" paths. Unknown keys resolve
// to an error so that configure(get) reports them.
func (c *Config) GetAll(paths []string) (map[string]string, error) {

	out := make(map[string]string, len(paths))
	for _, path := range paths {
		section, key, found := strings.Cut(path, ".")
		if !found {
			return nil, errors.Errorf("malformed configuration key %q", path)
		}

		v, ok := c.GetValue(section, key)
		if !ok {
			return nil, fmt.Errorf("unknown configuration key %q", path)
		}
		out[path] = v
	}

	return out, nil
}

// Hostname returns the configured hostname of a section, falling back to
// the OS hostname.
func (c *Config) Hostname(section string) string {
	if v, ok := c.GetValue(section, "hostname"); ok {
		return v
	}

	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}

	return h
}
