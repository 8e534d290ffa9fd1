package driver

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/datazip-inc/tidemark/drivers/base"
	"github.com/datazip-inc/tidemark/utils"
)

// Config represents the configuration for connecting to a MySQL database
type Config struct {
	base.Config
	Host          string `json:"hosts" validate:"required"`
	Username      string `json:"username" validate:"required"`
	Password      string `json:"password" validate:"required"`
	Database      string `json:"database"`
	Port          int    `json:"port" validate:"gte=0,lte=65535"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
	// ServerID identifies the binlog replica; a random id is picked when unset
	ServerID uint32 `json:"server_id"`
}

// URI generates the connection URI for the MySQL database
func (c *Config) URI() string {
	// Set default port if not specified
	if c.Port == 0 {
		c.Port = 3306
	}
	// Construct host string
	hostStr := c.Host
	if c.Host == "" {
		hostStr = "localhost"
	}

	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("loc", "UTC")
	params.Set("timeout", c.ConnectTimeoutDuration().String())
	if c.TLSSkipVerify {
		params.Set("tls", "skip-verify")
	}

	// Construct full connection string
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?%s",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		hostStr,
		c.Port,
		url.QueryEscape(c.Database),
		params.Encode(),
	)
}

// Validate checks the configuration for any missing or invalid fields
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("empty host name")
	} else if strings.Contains(c.Host, "https") || strings.Contains(c.Host, "http") {
		return fmt.Errorf("host should not contain http or https: %s", c.Host)
	}

	if c.Port == 0 {
		c.Port = 3306
	}

	// Optional database name, default to 'mysql'
	if c.Database == "" {
		c.Database = "mysql"
	}

	if c.ServerID == 0 {
		c.ServerID = uint32(1000 + time.Now().UnixNano()%9000)
	}

	c.SetDefaults()
	return utils.Validate(c)
}
