package kafka

import (
	"github.com/datazip-inc/tidemark/utils"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchBytes = 1 << 20 // 1MB
)

type Config struct {
	Brokers       []string `json:"brokers" validate:"required,min=1"`
	TopicPrefix   string   `json:"topic_prefix,omitempty"`
	Database      string   `json:"database_name,omitempty"`
	Normalization bool     `json:"normalization,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty" validate:"gte=0"`
	BatchBytes    int64    `json:"batch_bytes,omitempty" validate:"gte=0"`
	// RequiredAcks is -1 (all replicas), 0 or 1
	RequiredAcks     *int `json:"required_acks,omitempty" validate:"omitempty,oneof=-1 0 1"`
	AutoCreateTopics bool `json:"auto_create_topics,omitempty"`
}

func (c *Config) Validate() error {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchBytes == 0 {
		c.BatchBytes = DefaultBatchBytes
	}
	if c.RequiredAcks == nil {
		all := -1
		c.RequiredAcks = &all
	}
	return utils.Validate(c)
}
