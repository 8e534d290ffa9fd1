package constants

import "time"

const (
	ParquetFileExt   = "parquet"
	RowID            = "_tidemark_id"
	CaptureTimestamp = "_tidemark_timestamp"
	OpType           = "_op_type"
	CdcTimestamp     = "_cdc_timestamp"
	LogPosition      = "_log_position"
	DBName           = "_db"

	DefaultChunkSize               = 8096
	DefaultSplitMetaGroupSize      = 1000
	DefaultDistributionFactorUpper = 1000.0
	DefaultDistributionFactorLower = 0.05
	DefaultFetchSize               = 1024
	DefaultMaxBatchSize            = 2048
	DefaultMaxQueueSize            = 8192
	DefaultPollInterval            = 500 * time.Millisecond
	DefaultConnectTimeout          = 30 * time.Second
	DefaultConnectMaxRetries       = 3
	DefaultConnectionPoolSize      = 20
	DefaultRetryBackoff            = time.Second
	DefaultDrainTimeout            = 10 * time.Second
)

// InternalFieldsMap provides O(1) lookup for checking if a field is internal
var InternalFieldsMap = map[string]bool{
	RowID:            true,
	CaptureTimestamp: true,
	OpType:           true,
	CdcTimestamp:     true,
	LogPosition:      true,
	DBName:           true,
}
