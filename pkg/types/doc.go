/*
Package types defines the core data structures used throughout Paddock.

It contains the declarative challenge spec as authored in TOML, the persisted
deployment row, the host-mapping records stored alongside it, and the
deterministic naming helpers (container names, network names, image refs)
that let deploys and teardowns find each other's resources across restarts.

All types are serializable: challenge specs round-trip through TOML and JSON,
deployment data round-trips through Postgres JSONB via driver.Valuer and
sql.Scanner.
*/
package types
