package db

import (
	"testing"

	"github.com/smallbiznis/reserva/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.Config{
		DBType:            "postgres",
		DBHost:            "db.internal",
		DBPort:            "5433",
		DBName:            "reserva",
		DBUser:            "svc",
		DBPassword:        "secret",
		DBSSLMode:         "require",
		DBMaxIdleConn:     3,
		DBMaxOpenConn:     12,
		DBConnMaxLifetime: 900,
		DBConnMaxIdleTime: 120,
	})

	assert.Equal(t, "postgres", cfg.Type)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, "5433", cfg.Port)
	assert.Equal(t, "reserva", cfg.Name)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "require", cfg.SSLMode)
	assert.Equal(t, 3, cfg.MaxIdleConn)
	assert.Equal(t, 12, cfg.MaxOpenConn)
	assert.Equal(t, 900, cfg.ConnMaxLifetime)
	assert.Equal(t, 120, cfg.ConnMaxIdleTime)
}

func TestDialect(t *testing.T) {
	d, err := Dialect(Config{Type: "sqlite", Name: "reserva.db"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	d, err = Dialect(Config{Type: "postgres", Name: "reserva"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = Dialect(Config{Type: "mysql", Name: "reserva"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	_, err = Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}
