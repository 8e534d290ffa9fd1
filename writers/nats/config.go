package nats

import (
	"time"

	"github.com/datazip-inc/tidemark/utils"
)

const (
	DefaultSubjectPrefix  = "cdc"
	DefaultStreamMaxAge   = 24 * time.Hour
	DefaultPublishTimeout = 5 * time.Second
)

type Config struct {
	URL           string `json:"nats_url" validate:"required"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Database      string `json:"database_name,omitempty"`
	Normalization bool   `json:"normalization,omitempty"`
	// StreamMaxAge in hours
	StreamMaxAge int `json:"stream_max_age,omitempty" validate:"gte=0"`
	// PublishTimeout in seconds
	PublishTimeout int `json:"publish_timeout,omitempty" validate:"gte=0"`
}

func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	return utils.Validate(c)
}

func (c *Config) maxAge() time.Duration {
	if c.StreamMaxAge <= 0 {
		return DefaultStreamMaxAge
	}
	return time.Duration(c.StreamMaxAge) * time.Hour
}

func (c *Config) publishTimeout() time.Duration {
	if c.PublishTimeout <= 0 {
		return DefaultPublishTimeout
	}
	return time.Duration(c.PublishTimeout) * time.Second
}
