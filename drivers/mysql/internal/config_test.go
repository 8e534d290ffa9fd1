package driver

import (
	"testing"

	"github.com/datazip-inc/tidemark/drivers/base"
	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{name: "valid", config: Config{Host: "db.internal", Username: "cdc", Password: "secret"}},
		{name: "missing host", config: Config{Username: "cdc", Password: "secret"}, expectError: true},
		{name: "host with scheme", config: Config{Host: "http://db", Username: "cdc", Password: "secret"}, expectError: true},
		{name: "missing password", config: Config{Host: "db.internal", Username: "cdc"}, expectError: true},
		{name: "port out of range", config: Config{Host: "db.internal", Username: "cdc", Password: "secret", Port: 70000}, expectError: true},
		{name: "negative chunk size falls back to default", config: Config{Host: "db.internal", Username: "cdc", Password: "secret", Config: base.Config{ChunkSize: -1}}, expectError: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 3306, tc.config.Port)
			assert.Equal(t, "mysql", tc.config.Database)
			assert.NotZero(t, tc.config.ServerID)
			assert.Positive(t, tc.config.ChunkSize)
		})
	}
}

func TestConfigURI(t *testing.T) {
	config := Config{Host: "db.internal", Username: "cdc", Password: "p@ss", Database: "shop", TLSSkipVerify: true}
	require.NoError(t, config.Validate())

	assert.Equal(t, "cdc:p%40ss@tcp(db.internal:3306)/shop?loc=UTC&parseTime=true&timeout=30s&tls=skip-verify", config.URI())
}

func TestDataType(t *testing.T) {
	assert.Equal(t, types.Int64, dataType("BIGINT"))
	assert.Equal(t, types.Timestamp, dataType("datetime"))
	assert.Equal(t, types.String, dataType("vector"))

	value, err := rawValue([]byte("42"), "INT")
	require.NoError(t, err)
	assert.Equal(t, "42", value)
}
