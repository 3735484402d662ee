package sources

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Cliente <client@x.com>\r\n" +
	"To: ventas@acme.com\r\n" +
	"Subject: =?UTF-8?Q?URGENTE_pedido_n=C2=BA_7?=\r\n" +
	"Date: Tue, 02 Jan 2024 10:00:00 +0100\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Necesito 20 unidades.\r\n"

const htmlMessage = "From: client@x.com\r\n" +
	"Subject: Factura\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><head><style>p{color:red}</style><script>alert(1)</script></head>" +
	"<body><p>Hola&nbsp;equipo,</p><div>Total:   <b>1.200 &euro;</b></div></body></html>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=factura.pdf\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--XYZ--\r\n"

func TestParsePlainMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	msg, err := parseMessage(strings.NewReader(plainMessage), now)
	require.NoError(t, err)

	assert.Equal(t, "Cliente <client@x.com>", msg.Sender)
	assert.Equal(t, "URGENTE pedido nº 7", msg.Subject)
	assert.Equal(t, "Necesito 20 unidades.", msg.Body)
	assert.True(t, msg.ReceivedAt.Equal(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)))
}

func TestParseHTMLOnlyMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	msg, err := parseMessage(strings.NewReader(htmlMessage), now)
	require.NoError(t, err)

	assert.Equal(t, "client@x.com", msg.Sender)
	assert.Equal(t, "Hola equipo,\nTotal: 1.200 €", msg.Body)
	assert.Equal(t, now, msg.ReceivedAt, "missing Date header falls back to now")
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText("<p>a</p><script>var x = '<p>';</script><ul><li>one</li><li>two &amp; three</li></ul>")
	assert.Equal(t, "a\none\ntwo & three", got)
}
