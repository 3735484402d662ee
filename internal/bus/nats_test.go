package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ObiAU/alertrelay/internal/models"
)

func TestDecodeRunRequest(t *testing.T) {
	req, err := DecodeRunRequest([]byte(`{"tenant":"acme","kind":"Mailbox","id":3}`))
	require.NoError(t, err)
	assert.Equal(t, RunRequest{Tenant: "acme", Kind: models.SourceMailbox, ID: 3}, req)

	cases := map[string]string{
		"not json":       `{`,
		"missing tenant": `{"kind":"metric","id":1}`,
		"unknown kind":   `{"tenant":"acme","kind":"ftp","id":1}`,
		"zero id":        `{"tenant":"acme","kind":"metric"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRunRequest([]byte(payload))
			assert.Error(t, err)
		})
	}
}
