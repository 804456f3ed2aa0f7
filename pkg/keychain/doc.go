/*
Package keychain maps host ids to the credentials needed to drive a host.

A host is the pairing of a container daemon and a reverse proxy. Each entry
carries the daemon endpoint (local socket or remote TLS), optional registry
pull credentials, the image naming parameters (repo, prefix), and the proxy's
mTLS control endpoint plus the public subdomain base it serves.

The registry is loaded once at boot from a JSON file; an entry with id
"default" is required, and every PEM in the file is parsed at load time so a
bad credential fails the boot rather than the first deploy. TLS configs are
assembled in memory only.
*/
package keychain
