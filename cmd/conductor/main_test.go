package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
)

func TestParseCommon(t *testing.T) {
	t.Setenv(dataDirEnv, "")
	flags, rest, err := parseCommon([]string{"status", "--data-dir", "/var/lib/conductor"})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/conductor", flags.dataDir)
	assert.Empty(t, flags.configPath, "no config file in the data dir")
	assert.Equal(t, []string{"status"}, rest)

	_, _, err = parseCommon([]string{"--config"})
	assert.Error(t, err)
}

func TestParseCommon_Defaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultConfigName), []byte("{}"), 0644))
	t.Setenv(dataDirEnv, dir)

	flags, _, err := parseCommon(nil)
	require.NoError(t, err)
	assert.Equal(t, dir, flags.dataDir)
	assert.Equal(t, filepath.Join(dir, defaultConfigName), flags.configPath)

	t.Setenv(dataDirEnv, "")
	flags, _, err = parseCommon(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultDataDir, flags.dataDir)
}

func TestParseAbort(t *testing.T) {
	p, err := parseAbort(nil)
	require.NoError(t, err)
	assert.Equal(t, model.KindMigration, p.Kind)
	assert.Nil(t, p.ID)

	id := uuid.New()
	p, err = parseAbort([]string{"--kind", "deletion", "--id", id.String()})
	require.NoError(t, err)
	assert.Equal(t, model.KindDeletion, p.Kind)
	assert.Equal(t, &id, p.ID)

	for _, args := range [][]string{{"--kind", "rollback"}, {"--id", "nope"}, {"--id"}, {"--force", "x"}} {
		_, err := parseAbort(args)
		assert.Error(t, err, "%v", args)
	}
}
