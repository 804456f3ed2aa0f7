/*
Package api implements the admin HTTP control surface.

Routes (JSON throughout, authenticated upstream):

	POST /api/challenge/deploy    claim a slot and run the engine async
	POST /api/challenge/destroy   tear down the active deployment (idempotent)
	GET  /api/deployment/{id}     fetch one deployment by public id
	POST /api/challenges/reload   re-read the on-disk catalog
	POST /api/challenges/load     replace the catalog from the request body
	GET  /health                  liveness plus a database ping
	GET  /metrics                 Prometheus exposition

Deployment rows are sanitized before emission: container_id values are
scrubbed to a sentinel because the real names permit direct container
addressing on the host.
*/
package api
