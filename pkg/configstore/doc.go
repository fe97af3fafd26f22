/*
Package configstore is the shared configuration database of a ReportHub
deployment.

One configuration store is shared by every server process and every
worker. It holds the product definitions, permission grants, sessions,
the server notification banner, per-user filter presets, source
components, and the full task engine state: task records, comments and
the staged payload queue.

# Storage

The store runs on SQLite for single-host deployments and PostgreSQL for
shared ones, through sqlx. Schema statements carry small dialect tokens
({SERIAL}, {BOOL}, {BLOB}) rewritten per driver, and queries are written
with ? placeholders rebound to the driver's syntax.

All timestamps are stored as epoch seconds in UTC.

# Concurrency Model

Task state transitions are compare-and-swap: every status-advancing
UPDATE predicates on the expected current status (and owner where it
matters), so two processes racing on the same task cannot both win.
A transition that matches no row is disambiguated into not-found versus
conflict by re-reading the record.

Claiming work uses the same idea on the payload queue; on PostgreSQL the
claim runs under FOR UPDATE SKIP LOCKED so concurrent workers do not
serialize on one row.

# Usage

	store, err := configstore.Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   "/var/lib/reporthub/config.sqlite",
	})
	if err != nil {
		return err
	}
	defer store.Close()

The store creates or upgrades its own schema on open. Higher layers
(auth, product, task) wrap these primitives; handlers do not call the
store directly except for simple reads.
*/
package configstore
