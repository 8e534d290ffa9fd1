package base

import (
	"fmt"
	"time"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/pkg/engine"
	"github.com/datazip-inc/tidemark/pkg/queue"
	"github.com/datazip-inc/tidemark/pkg/splitter"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
)

const (
	DefaultRetryCount  = 3
	DefaultThreadCount = 3
)

// Config holds the connection, snapshot, queue and stream settings shared by
// the relational drivers. Driver configs embed it.
type Config struct {
	// ConnectTimeout in seconds
	ConnectTimeout     int `json:"connect_timeout" validate:"gte=0"`
	ConnectMaxRetries  int `json:"connect_max_retries" validate:"gte=0"`
	ConnectionPoolSize int `json:"connection_pool_size" validate:"gte=0"`

	// Tables and ExcludeTables are "namespace.table" glob patterns
	Tables        []string `json:"tables"`
	ExcludeTables []string `json:"exclude_tables"`

	ChunkSize int `json:"chunk_size" validate:"gte=0"`
	// ChunkKeyColumns maps "namespace.table" to the column its chunks are split on
	ChunkKeyColumns         map[string]string `json:"chunk_key_column"`
	SplitMetaGroupSize      int               `json:"split_meta_group_size" validate:"gte=0"`
	DistributionFactorUpper float64           `json:"distribution_factor_upper" validate:"gte=0"`
	DistributionFactorLower float64           `json:"distribution_factor_lower" validate:"gte=0"`
	FetchSize               int               `json:"fetch_size" validate:"gte=0"`
	MaxThreads              int               `json:"max_threads" validate:"gte=0"`
	RetryCount              int               `json:"retry_count" validate:"gte=0"`

	// PollInterval in milliseconds
	PollInterval        int   `json:"poll_interval" validate:"gte=0"`
	MaxBatchSize        int   `json:"max_batch_size" validate:"gte=0"`
	MaxQueueSize        int   `json:"max_queue_size" validate:"gte=0"`
	MaxQueueSizeInBytes int64 `json:"max_queue_size_in_bytes" validate:"gte=0"`

	// EndPosition stops the stream split, "file:offset" for binlogs or "X/X" for LSNs
	EndPosition string `json:"end_position"`
	// InitialWaitTime in seconds; streaming stops after this long without changes
	InitialWaitTime int `json:"initial_wait_time" validate:"gte=0"`
}

// SetDefaults fills every unset field
func (c *Config) SetDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = int(constants.DefaultConnectTimeout / time.Second)
	}
	if c.ConnectMaxRetries <= 0 {
		c.ConnectMaxRetries = constants.DefaultConnectMaxRetries
	}
	if c.ConnectionPoolSize <= 0 {
		c.ConnectionPoolSize = constants.DefaultConnectionPoolSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = constants.DefaultChunkSize
	}
	if c.SplitMetaGroupSize <= 0 {
		c.SplitMetaGroupSize = constants.DefaultSplitMetaGroupSize
	}
	if c.DistributionFactorUpper <= 0 {
		c.DistributionFactorUpper = constants.DefaultDistributionFactorUpper
	}
	if c.DistributionFactorLower <= 0 {
		c.DistributionFactorLower = constants.DefaultDistributionFactorLower
	}
	if c.FetchSize <= 0 {
		c.FetchSize = constants.DefaultFetchSize
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = DefaultThreadCount
	}
	if c.RetryCount <= 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = int(constants.DefaultPollInterval / time.Millisecond)
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = constants.DefaultMaxBatchSize
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = constants.DefaultMaxQueueSize
	}
}

func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// IdleTimeout is zero when streaming should not stop on inactivity
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.InitialWaitTime) * time.Second
}

// EngineConfig translates the driver settings into the engine configuration
func (c *Config) EngineConfig() (engine.Config, error) {
	config := engine.Config{
		Splitter: splitter.Config{
			ChunkSize:               c.ChunkSize,
			DistributionFactorUpper: c.DistributionFactorUpper,
			DistributionFactorLower: c.DistributionFactorLower,
		},
		Tailer: tailer.Config{
			MaxRetries: c.ConnectMaxRetries,
		},
		Queue: queue.Config{
			PollInterval:        time.Duration(c.PollInterval) * time.Millisecond,
			MaxBatchSize:        c.MaxBatchSize,
			MaxQueueSize:        c.MaxQueueSize,
			MaxQueueSizeInBytes: c.MaxQueueSizeInBytes,
		},
		MaxThreads:         c.MaxThreads,
		RetryCount:         c.RetryCount,
		SplitMetaGroupSize: c.SplitMetaGroupSize,
	}

	if c.EndPosition != "" {
		end, err := types.ParsePosition(c.EndPosition)
		if err != nil {
			return engine.Config{}, fmt.Errorf("invalid end_position[%s]: %s", c.EndPosition, err)
		}
		config.EndPosition = &end
	}

	return config, nil
}
