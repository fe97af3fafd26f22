package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainFieldDecorators(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	l := WithComponent("task-manager")
	lt := WithToken(l, "aaaa")
	lt.Info().Msg("task enqueued")
	lp := WithProduct(l, "web")
	lp.Info().Msg("product attached")
	la := WithActor(l, "alice")
	la.Info().Msg("session created")

	out := buf.String()
	assert.Contains(t, out, `"component":"task-manager"`)
	assert.Contains(t, out, `"token":"aaaa"`)
	assert.Contains(t, out, `"product":"web"`)
	assert.Contains(t, out, `"actor":"alice"`)
}
