/*
Package engine implements the deployment state machine.

A deploy attempt runs as a background task under one outer database
transaction and drives three systems that must end up consistent: the
deployment row in Postgres, containers and networks on the target host's
daemon, and routes on the host's reverse proxy.

# Deploy path

	claim row (api)
	     │
	     ▼
	resolve slug + team ──► look up spec ──► look up keychain
	     │
	     ▼
	ensure network ──► pull images ──► per container:
	                                     force-remove stale
	                                     create + start
	                                     inspect IP
	                                     register proxy routes
	     │
	     ▼
	finalize row (deployed=true, data, lease) ──► commit guards ──► commit tx

Every remote resource created along the way is recorded in a scoped guard.
Any failure abandons the guards (best-effort reverse-order destroy), rolls
back the transaction, and deletes the pending row so the (challenge, team)
slot is immediately retryable.

# Teardown path

Teardown inverts the order on purpose: the row is marked destroyed and
committed first, then containers, routes, and the network are removed best
effort. Freeing the slot takes priority over remote consistency; anything
leaked is observable by name and reclaimed by the next deploy of the same
slot, because all daemon-side names are deterministic.
*/
package engine
