package db

import (
	"testing"

	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestConfigFromNormalizesType(t *testing.T) {
	assert.Equal(t, DialectPostgres, ConfigFrom(config.Config{DBType: " Postgres "}).Type)
	assert.Equal(t, DialectSQLite, ConfigFrom(config.Config{DBType: "SQLite"}).Type)
	assert.Equal(t, "", ConfigFrom(config.Config{}).Type)
}
