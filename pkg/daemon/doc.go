/*
Package daemon wraps the Docker Engine API for the deploy engine.

Clients are built per deploy attempt from a host keychain, either from the
local environment or over TLS to a remote daemon. Remote TLS material comes
from the keychain as in-memory PEM strings and is never written to disk.

The surface is deliberately narrow: networks (inspect, create, remove),
images (authenticated pull), and containers (create with port bindings and
resource limits, start, inspect for the network-scoped IP, force-remove).
Force-remove treats a missing container as success, which makes both
stale-name cleanup and teardown idempotent.
*/
package daemon
