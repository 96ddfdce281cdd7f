//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[lrs]
server_socket = /run/phobosd/phobosd.sock
families = tape,dir
grace_period = 10

[tlc_legacy]
lib_device = /dev/changer
port = 20123

[scsi]
retry_count = 7
retry_short = 2
`

func writeConfig(t *testing.T, content string) string {

	path := filepath.Join(t.TempDir(), "phobos.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestLoadAndGet(t *testing.T) {

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/run/phobosd/phobosd.sock",
		cfg.GetString(SectionLrs, "server_socket", "x"))
	assert.Equal(t, 7, cfg.GetInt(SectionScsi, "retry_count", 5))
	assert.Equal(t, 2*time.Second,
		cfg.GetDuration(SectionScsi, "retry_short", time.Second))
	assert.Equal(t, 10*time.Second,
		cfg.GetDuration(SectionLrs, "grace_period", time.Minute))

	// Per-library section.
	assert.Equal(t, "/dev/changer",
		cfg.GetString(TlcSection("legacy"), "lib_device", ""))

	// Defaults apply for missing keys and missing sections.
	assert.Equal(t, 5, cfg.GetInt(SectionScsi, "retry_count_long", 5))
	assert.Equal(t, "dflt", cfg.GetString("nope", "key", "dflt"))
}

func TestMissingFileYieldsEmptyConfig(t *testing.T) {

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)

	assert.Equal(t, "dflt", cfg.GetString(SectionLrs, "server_socket",
		"dflt"))
}

func TestEnvOverride(t *testing.T) {

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	t.Setenv("PHOBOS_SCSI_retry_count", "11")

	assert.Equal(t, 11, cfg.GetInt(SectionScsi, "retry_count", 5))
}

func TestSetAllAtomic(t *testing.T) {

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// A malformed key aborts the whole batch.
	err = cfg.SetAll(map[string]string{
		"scsi.retry_count": "9",
		"malformed":        "x",
	})
	require.Error(t, err)
	assert.Equal(t, 7, cfg.GetInt(SectionScsi, "retry_count", 5))

	require.NoError(t, cfg.SetAll(map[string]string{
		"scsi.retry_count": "9",
		"lrs.new_key":      "v",
	}))
	assert.Equal(t, 9, cfg.GetInt(SectionScsi, "retry_count", 5))
	assert.Equal(t, "v", cfg.GetString(SectionLrs, "new_key", ""))
}

func TestGetAll(t *testing.T) {

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	values, err := cfg.GetAll([]string{"scsi.retry_count", "lrs.families"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"scsi.retry_count": "7",
		"lrs.families":     "tape,dir",
	}, values)

	_, err = cfg.GetAll([]string{"scsi.unknown"})
	assert.Error(t, err)
}
