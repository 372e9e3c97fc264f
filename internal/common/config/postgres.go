package config

type DatabaseConfig struct {
	// Either "postgres" or "sqlite"
	Dialect string `validate:"required,oneof=postgres sqlite"`
	// libpq style key/values for postgres
	Connection map[string]string
	// File path for sqlite. ":memory:" is accepted but only useful for tests.
	Path string
	// Maximum number of open connections. Zero means unlimited.
	MaxOpenConns int
}
