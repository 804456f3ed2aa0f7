// Package tracker tracks background tasks for graceful shutdown.
package tracker
