// Package errors classifies failures of the optimization core.
//
// Three classes exist:
//
//   - Transient: backend calls that failed or timed out. They propagate to the
//     caller, which owns any retry policy.
//   - Invalid: malformed operations, unknown tables, bad configuration input.
//   - Fatal: configuration that cannot be used or corrupted persisted state.
//
// Resource-limit outcomes (subscription budget exhausted, activity gate, cache
// eviction) are not errors. Components return an empty id or false for them;
// ErrBudgetExhausted and ErrActivityGate exist only so logs and stats can name
// the reason.
//
// Wrapping follows one pattern everywhere:
//
//	return errors.WrapTransient(err, "query", "Execute", "backend call")
//
// which formats as "query.Execute: backend call failed: <cause>" and keeps the
// cause reachable through errors.Is / errors.As.
package errors
