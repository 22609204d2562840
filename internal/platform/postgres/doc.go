// Package postgres provides the optional PostgreSQL connection pool used by
// the service, a health check that runs as periodic supervisor maintenance,
// and the cleanup callback that closes the pool on shutdown.
package postgres
