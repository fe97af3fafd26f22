/*
Package api is the HTTP surface of the ReportHub server.

The router exposes authentication, the task engine, product management,
the server notification banner, permission administration, and the
per-product resources multiplexed under /{endpoint}/.

# Routes

Public:

	GET  /healthz
	GET  /metrics
	POST /auth/login

Session protected (X-Session-Token header):

	POST   /auth/logout
	GET    /auth/permissions?product=
	GET    /auth/hasPermission?permission=&product=
	POST   /tasks/list
	GET    /tasks/{token}?consume=
	GET    /tasks/{token}/await?timeout=
	POST   /tasks/{token}/cancel
	POST   /tasks/{token}/comments
	GET    /products/            POST /products/
	GET    /products/{endpoint}  PATCH/DELETE, POST .../reconnect
	GET    /notifications/banner PUT /notifications/banner
	GET    /permissions          POST/DELETE /permissions

Per product, behind PRODUCT_ACCESS:

	/{endpoint}/cleanupPlans, .../cleanupPlans/{id}
	/{endpoint}/cleanupPlans/{id}/close | reopen | reports
	/{endpoint}/filterPresets/{name}
	/{endpoint}/sourceComponents/{name}

# Conventions

Errors map the shared sentinel errors to HTTP statuses (malformed input
400, unauthenticated 401, unauthorized 403, not found 404, conflict 409,
backpressure 429, shutting down 503); everything else is masked as a
bare 500. Request bodies are strict JSON: unknown fields are rejected.

Task records are only visible to their actor and to superusers; asking
about someone else's task yields 404, not 403, so tokens do not leak
existence. The await endpoint long-polls on broker events with a jittered
poll fallback and returns the current record on timeout, terminal or not.
*/
package api
