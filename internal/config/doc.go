// Package config handles configuration loading, parsing, and validation
// from environment variables (SCRY_ prefix) and an optional config.yaml. It
// converts the loaded settings into the job queue and supervisor
// configuration types so that the rest of the service never reads
// configuration sources directly.
package config
