package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.Nil(t, NewDefaultConfig().Validate())
	require.Nil(t, NewTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	c := NewTestConfig()
	c.Engine = "rocksdb"
	assert.NotNil(t, c.Validate())

	c = NewTestConfig()
	c.Engine = EngineBolt
	assert.NotNil(t, c.Validate())
	c.DBPath = "/tmp/x"
	assert.Nil(t, c.Validate())

	c = NewTestConfig()
	c.HashFunction = "md5"
	assert.NotNil(t, c.Validate())

	c = NewTestConfig()
	c.QueueCapacity = 0
	assert.NotNil(t, c.Validate())

	c = NewTestConfig()
	c.TableRatios["account"] = 0
	assert.NotNil(t, c.Validate())
}

func TestRatioFor(t *testing.T) {
	c := NewTestConfig()
	c.PartitionsPerCPU = 2
	c.TableRatios["branch"] = 0.5
	assert.Equal(t, 0.5, c.RatioFor("branch"))
	assert.Equal(t, 2.0, c.RatioFor("account"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dora.toml")
	content := `
engine = "bolt"
db-path = "/tmp/dora-bolt"
active-cpus = 8
hash-function = "city"
lock-wait-timeout = "250ms"

[table-ratios]
account = 2.0
`
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))

	c := NewTestConfig()
	require.Nil(t, c.LoadFile(path))
	assert.Equal(t, EngineBolt, c.Engine)
	assert.Equal(t, "/tmp/dora-bolt", c.DBPath)
	assert.Equal(t, 8, c.ActiveCPUs)
	assert.Equal(t, HashCity, c.HashFunction)
	assert.Equal(t, 250*time.Millisecond, c.LockWaitTimeout.Duration)
	assert.Equal(t, 2.0, c.RatioFor("account"))
	// Untouched keys keep their previous value.
	assert.Equal(t, 1024, c.QueueCapacity)
	assert.Nil(t, c.Validate())

	assert.NotNil(t, c.LoadFile(filepath.Join(dir, "missing.toml")))
}
