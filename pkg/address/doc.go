// Package address computes public addresses for exposed container ports:
// deterministic host ports for static TCP exposures, stable proxy subdomains
// for HTTP exposures, and kernel-assigned ports for instanced TCP exposures.
package address
