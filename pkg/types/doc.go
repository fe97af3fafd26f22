/*
Package types defines the core data structures used throughout ReportHub.

It holds the domain model shared by every layer: task records and their
state machine, products and connection specs, permissions and grants,
sessions, and the result-store resources (cleanup plans, filter presets,
source components). The sentinel errors every layer wraps live in this
package too, so callers can errors.Is across package boundaries without
import cycles.

Status enums are string typed and stored verbatim in the database; the
helper predicates (TaskStatus.Terminal, Permission.Implies, and friends)
are the single source of truth for lifecycle and implication rules.
*/
package types
