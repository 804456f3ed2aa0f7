/*
Package store persists deployment rows in Postgres.

The one table this service owns is challenge_deployments, migrated at boot
with goose. The challenges and teams tables belong to the upstream catalog
service and are only read, to resolve numeric ids to public identifiers.

At-most-one live deployment per (challenge, team) slot is enforced twice:
Claim queries for a live row before inserting, and a partial unique index
(NULLS NOT DISTINCT, WHERE destroyed_at IS NULL) closes the race between
concurrent claims. The loser of the race receives AlreadyDeployedError
carrying the winner's public id.

Rows move through three states: pending (inserted by Claim), deployed
(Finalize, inside the engine's transaction), destroyed (MarkDestroyed,
terminal). A pending row whose apply fails is deleted outright so the slot
frees up for retry.
*/
package store
