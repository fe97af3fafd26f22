/*
Package client is a thin HTTP client for the ReportHub API.

It mirrors the server routes one method per operation, carries the
session id in the X-Session-Token header, and decodes server error
bodies into errors carrying the HTTP status. Used by tooling and the
functional test suites; it has no dependencies beyond the standard
library and the shared types.

	c := client.New("http://127.0.0.1:8001")
	if err := c.Login("admin", password); err != nil {
		return err
	}
	rec, err := c.AwaitTask(token, 30*time.Second)
*/
package client
