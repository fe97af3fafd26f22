/*
Package product multiplexes many analysis-result databases behind one server.

A product is a named endpoint bound to its own result database. The
registry mirrors the products table of the configuration store into live
handles, reference-counts them so removal never yanks a database out from
under an in-flight request, and classifies each result schema before
letting requests touch it.

# Architecture

	┌──────────────────── PRODUCT LAYER ───────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Registry                       │          │
	│  │  - Attach / detach products at runtime      │          │
	│  │  - Endpoint syntax and reservation checks   │          │
	│  │  - Publishes product lifecycle events       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Handle (per product)           │          │
	│  │  - Reference count guarding removal         │          │
	│  │  - Schema status gate on result access      │          │
	│  │  - Reconnect on connection edits            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              ResultStore                    │          │
	│  │  - SQLite or PostgreSQL per product         │          │
	│  │  - Cleanup plans, report hash assignments   │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Schema Classification

Opening a result database classifies it before use:

  - ok: the schema version matches this build
  - needs_upgrade: an older schema; readable by a migration tool only
  - broken: a newer schema, a half-initialized database, or a database
    holding foreign tables
  - disconnected: the database cannot be reached at all

The schema is created only on a provably empty database. Anything else
that lacks a version table is foreign data and is never touched; the
product stays attached so operators can see and fix the status.

# Usage

Attaching products at startup:

	registry := product.NewRegistry(store, broker)
	if err := registry.LoadAll(); err != nil {
		return err
	}

Serving a request against a product:

	h, err := registry.Acquire(endpoint)
	if err != nil {
		return err
	}
	defer registry.Release(h)

	rs, err := h.Result()
	if err != nil {
		return err // schema not ok, refuse rather than corrupt
	}

Removal drains: the handle stops admitting new references and waits for
in-flight ones, failing with a conflict if they do not clear in time.
The result database itself is never dropped, only the configuration row
and its permission grants.
*/
package product
