package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

const (
	EngineMemory = "memory"
	EngineBadger = "badger"
	EngineBolt   = "bolt"
)

const (
	HashFarm   = "farm"
	HashMurmur = "murmur3"
	HashCity   = "city"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	// Engine selects the storage collaborator: memory, badger or bolt.
	Engine string `toml:"engine"`
	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	// Number of CPUs the partitions are spread over. 0 means detect.
	ActiveCPUs int  `toml:"active-cpus"`
	CPUBinding bool `toml:"cpu-binding"`
	// The first partition of the first table is bound to CPUStart, every following table starts CPUTableStep
	// further and the partitions of one table are CPUPartitionStep apart.
	CPUStart         int `toml:"cpu-starting"`
	CPUTableStep     int `toml:"cpu-table-step"`
	CPUPartitionStep int `toml:"cpu-partition-step"`

	// Default partitions per active CPU, overridden per table by TableRatios.
	PartitionsPerCPU float64            `toml:"partitions-per-cpu"`
	TableRatios      map[string]float64 `toml:"table-ratios"`
	HashFunction     string             `toml:"hash-function"`

	// Max actions waiting in one partition queue.
	QueueCapacity int `toml:"queue-capacity"`
	// Clean lock entries are dropped once a lock manager tracks more keys than this.
	LockClearThreshold int `toml:"lock-clear-threshold"`
	// A parked action that cannot get its locks within this time is decided as a deadlock.
	LockWaitTimeout Duration `toml:"lock-wait-timeout"`
	// Parked actions are retried at least this often.
	WorkerIdleTick Duration `toml:"worker-idle-tick"`

	ActionPoolSize int `toml:"action-pool-size"`
	RVPPoolSize    int `toml:"rvp-pool-size"`

	// Stop waits at most this long for in flight transactions.
	StopTimeout Duration `toml:"stop-timeout"`
}

// Duration is a time.Duration that reads from strings like "10ms" in toml files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (c *Config) Validate() error {
	switch c.Engine {
	case EngineMemory, EngineBadger, EngineBolt:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.Engine != EngineMemory && c.DBPath == "" {
		return fmt.Errorf("engine %s needs a db path", c.Engine)
	}

	switch c.HashFunction {
	case HashFarm, HashMurmur, HashCity:
	default:
		return fmt.Errorf("unknown hash function %q", c.HashFunction)
	}

	if c.ActiveCPUs < 0 {
		return fmt.Errorf("active cpus must not be negative")
	}
	if c.PartitionsPerCPU <= 0 {
		return fmt.Errorf("partitions per cpu must be greater than 0")
	}
	for table, ratio := range c.TableRatios {
		if ratio <= 0 {
			return fmt.Errorf("ratio of table %s must be greater than 0", table)
		}
	}
	if c.CPUStart < 0 || c.CPUTableStep < 0 || c.CPUPartitionStep < 0 {
		return fmt.Errorf("cpu steps must not be negative")
	}

	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be greater than 0")
	}
	if c.WorkerIdleTick.Duration <= 0 {
		return fmt.Errorf("worker idle tick must be greater than 0")
	}
	if c.LockWaitTimeout.Duration < c.WorkerIdleTick.Duration {
		log.Warnf("lock wait timeout %v is shorter than the idle tick %v, parked actions will fail fast",
			c.LockWaitTimeout.Duration, c.WorkerIdleTick.Duration)
	}
	if c.ActionPoolSize < 0 || c.RVPPoolSize < 0 {
		return fmt.Errorf("pool size must not be negative")
	}

	return nil
}

// RatioFor returns the partition ratio of table.
func (c *Config) RatioFor(table string) float64 {
	if r, ok := c.TableRatios[table]; ok {
		return r
	}
	return c.PartitionsPerCPU
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:           getLogLevel(),
		Engine:             EngineBadger,
		DBPath:             "/tmp/tinydora",
		CPUBinding:         true,
		CPUStart:           2,
		CPUTableStep:       16,
		CPUPartitionStep:   2,
		PartitionsPerCPU:   1,
		TableRatios:        map[string]float64{},
		HashFunction:       HashFarm,
		QueueCapacity:      8192,
		LockClearThreshold: 10000,
		LockWaitTimeout:    NewDuration(100 * time.Millisecond),
		WorkerIdleTick:     NewDuration(2 * time.Millisecond),
		ActionPoolSize:     4096,
		RVPPoolSize:        1024,
		StopTimeout:        NewDuration(10 * time.Second),
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:           getLogLevel(),
		Engine:             EngineMemory,
		ActiveCPUs:         4,
		CPUBinding:         false,
		PartitionsPerCPU:   1,
		TableRatios:        map[string]float64{},
		HashFunction:       HashFarm,
		QueueCapacity:      1024,
		LockClearThreshold: 10000,
		LockWaitTimeout:    NewDuration(50 * time.Millisecond),
		WorkerIdleTick:     NewDuration(time.Millisecond),
		ActionPoolSize:     64,
		RVPPoolSize:        16,
		StopTimeout:        NewDuration(2 * time.Second),
	}
}

// LoadFile overrides the fields of c found in the toml file at path.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warnf("unknown config keys %v in %s", undecoded, path)
	}
	return nil
}
