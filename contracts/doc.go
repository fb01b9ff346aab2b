// Package contracts defines the documents exchanged over the bus and the
// results handed back to callers.
//
// This package defines:
//   - Environment: the prod/stg namespace selector
//   - RequestEnvelope: a correlated request published by this side
//   - ResponseEnvelope: the untrusted reply published by a remote worker
//   - BroadcastEnvelope: a fire-and-forget event
//   - Outcome: the terminal result of a correlated request
//
// Errors are typed so callers can tell transport problems, invalid input,
// remote failures and timeouts apart with errors.As and errors.Is.
package contracts
