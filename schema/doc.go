// Package schema holds the registries of known request and broadcast types
// and the fields each one requires in its body.
//
// Validation is opt-in per type: a registry only rejects bodies for types it
// knows, unless it was created strict, in which case unknown types are
// rejected as well.
package schema
