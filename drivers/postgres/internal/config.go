package driver

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/datazip-inc/tidemark/drivers/base"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/lib/pq"
)

type Config struct {
	base.Config
	Connection    *url.URL          `json:"-"`
	Host          string            `json:"host" validate:"required"`
	Port          int               `json:"port" validate:"gte=0,lte=65535"`
	Database      string            `json:"database" validate:"required"`
	Username      string            `json:"username" validate:"required"`
	Password      string            `json:"password"`
	JDBCURLParams map[string]string `json:"jdbc_url_params"`
	SSLMode       string            `json:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	SSLRootCert   string            `json:"ssl_root_cert"`
	// ReplicationSlot is a logical slot created with the wal2json plugin
	ReplicationSlot string `json:"replication_slot" validate:"required"`
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("empty host name")
	} else if strings.Contains(c.Host, "https") || strings.Contains(c.Host, "http") {
		return fmt.Errorf("host should not contain http or https")
	}

	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	c.SetDefaults()
	if err := utils.Validate(c); err != nil {
		return err
	}

	// construct the connection string
	parsed := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}

	query := parsed.Query()

	// Set additional connection parameters if available
	if len(c.JDBCURLParams) > 0 {
		params := ""
		for k, v := range c.JDBCURLParams {
			params += fmt.Sprintf("%s=%s ", pq.QuoteIdentifier(k), pq.QuoteLiteral(v))
		}

		query.Add("options", params)
	}

	query.Add("sslmode", c.SSLMode)
	if c.SSLRootCert != "" {
		query.Add("sslrootcert", c.SSLRootCert)
	}
	query.Add("connect_timeout", fmt.Sprint(c.ConnectTimeout))

	parsed.RawQuery = query.Encode()
	c.Connection = parsed

	return nil
}
