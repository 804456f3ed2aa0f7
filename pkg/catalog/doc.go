/*
Package catalog holds the in-memory challenge catalog.

The on-disk form is a directory with one {slug}.toml per challenge. Loading
validates the whole set (slug grammar, duplicates, expose ports, static TCP
port collisions per host) and atomically swaps the in-memory map, so readers
never observe a partially loaded catalog and a bad file never evicts the
previous good set.

Store, the push path, writes the incoming set to a staging directory and
validates it there before any live file is touched. Files without a .toml
extension in the catalog directory are never modified.
*/
package catalog
