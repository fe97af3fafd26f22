/*
Package auth resolves request identities and answers permission queries.

Authentication is session based: a successful login mints an opaque
session id which the client sends back on every request. Sessions live in
the configuration store so any server process sharing the store can
resolve them. Authorization is a closed permission set with a small
implication graph.

# Sessions

Session ids are 32 hex characters from crypto/rand. Expiry is sliding:
each authenticated request pushes the idle deadline out, capped at an
absolute lifetime counted from issuance. Expired sessions are deleted on
sight, and a background purge removes the ones nobody presents again.

When authentication is disabled every request is served under a synthetic
anonymous identity that passes every permission check. This is the
single-user mode; never run a shared deployment with it.

# Permissions

	SUPERUSER          server-wide, subsumes everything on every scope
	PRODUCT_ADMIN      administer one product
	PRODUCT_ACCESS     reach the product endpoint at all
	PRODUCT_STORE      store results / triage reports, implies VIEW
	PRODUCT_VIEW       read results

Grants target a username or a group name; a user holds the union of
their direct grants and their groups' grants on the queried scope.
Implications are expanded to a fixed point, so asking for the permission
set always yields a closed set.

# Usage

	authn := auth.New(store, cfg.Auth)

	sess, err := authn.Login(username, password)
	// later, per request:
	id, err := authn.IdentityFromSession(sessionID)
	ok, err := authn.HasPermission(id, types.PermProductStore, "web")

Login failures for unknown users burn a dummy bcrypt comparison so
missing-user and wrong-password attempts take comparable time.
*/
package auth
