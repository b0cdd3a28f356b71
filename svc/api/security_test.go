package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"secretboard/pkg/domain"
)

func TestInjectionPayloadsAreRejected(t *testing.T) {
	n := newNode(t, openRateLimit())
	c, acct := newClient(t, n)
	ctx := context.Background()

	h, proof, err := c.Seal(ctx, "0x5b38da6a701c568545dcfcb03fcb875f56beddc4", acct.Address(), boardAddr)
	require.NoError(t, err)

	payloads := []string{
		"'; DROP TABLE messages; --",
		"0x' OR '1'='1",
		"0x00' UNION SELECT * FROM sealed_values--",
		"<script>alert('xss')</script>",
		"0x<img src=x onerror=alert(1)>",
		"$(rm -rf /)",
	}
	for _, p := range payloads {
		_, err := c.Write(ctx, p, h, proof)
		require.ErrorIs(t, err, domain.ErrInvalidRequest, "payload %q", p)
	}

	count, err := c.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// the handle was never spent by the rejected writes
	_, err = c.Write(ctx, "0x00", h, proof)
	require.NoError(t, err)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	n := newNode(t, openRateLimit())
	body, _ := json.Marshal(map[string]string{
		"ciphertext": "0x" + strings.Repeat("ab", 50*1024),
	})
	resp, err := http.Post(n.url+"/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var eb struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	require.Equal(t, domain.ErrContentTooLong.Code, eb.Code)
}

func TestSecurityHeaders(t *testing.T) {
	n := newNode(t, openRateLimit())
	resp, err := http.Get(n.url + "/v1/messages/count")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	require.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
}
