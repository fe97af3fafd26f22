/*
Package config loads and validates the server configuration.

Configuration is one YAML file covering the HTTP listener, the
configuration-store connection, authentication and accounts, the task
engine tunables, the worker pool, and logging. Durations are written in
Go syntax ("90s", "5m") via the Duration wrapper type.

Every tunable has a default; an empty or absent file yields a working
single-host setup with SQLite and in-process workers. Validate catches
inconsistencies (missing listener, driver/path mismatches, zero queue
capacity) before any component starts.
*/
package config
