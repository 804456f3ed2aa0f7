// Package proxy is the mTLS client for the reverse proxy's dynamic-router
// control API.
package proxy
