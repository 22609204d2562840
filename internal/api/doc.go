// Package api exposes the job queue and supervisor over HTTP for operators:
// job status, results and cancellation, retention cleanup, queue and task
// statistics, and a health check that fails once shutdown has begun. It
// depends on narrow interfaces rather than the concrete task types.
package api
