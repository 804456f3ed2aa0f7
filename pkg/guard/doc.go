// Package guard provides scoped cleanup for deployment attempts. Resources
// created while applying a deployment are recorded in a guard; Commit keeps
// them, Abandon destroys them best effort in reverse creation order.
package guard
