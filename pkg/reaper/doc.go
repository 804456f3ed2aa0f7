// Package reaper expires instanced deployment leases. The database's
// expired_at column is authoritative; in-memory timers are a cache rebuilt
// from the table at every boot.
package reaper
