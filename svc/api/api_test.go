package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"secretboard/cfg"
	"secretboard/pkg/board"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/client"
	"secretboard/pkg/confidential"
	"secretboard/pkg/domain"
	"secretboard/pkg/kms"
	"secretboard/svc/api"
	"secretboard/svc/cache"
	"secretboard/svc/db"
	"secretboard/svc/events"
	"secretboard/svc/lim"
	"secretboard/svc/svc"
)

var (
	memCounter atomic.Int64
	boardAddr  = boardcrypto.Address{0xb0, 0xa2, 0xd0, 0x01}
	proofKey   = []byte("an-api-test-proof-key-of-32bytes")
)

const allowedOrigin = "https://app.example"

type node struct {
	url string
	hub *events.Hub
}

func newNode(t *testing.T, rl lim.Opts) *node {
	t.Helper()
	store, err := db.NewSQLite(fmt.Sprintf("file:apidb%d?mode=memory&cache=shared", memCounter.Add(1)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter, err := kms.NewAdapter(context.Background(), kms.Options{
		LocalKey:   "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		FailClosed: true,
	})
	require.NoError(t, err)
	conf, err := confidential.NewService(adapter, store, boardAddr, proofKey, time.Minute)
	require.NoError(t, err)
	lru, err := cache.NewLRU(64)
	require.NoError(t, err)

	c := &cfg.Cfg{
		Port:               "0",
		ContextTimeout:     5 * time.Second,
		MaxCiphertextBytes: 16 * 1024,
		AllowedOrigins:     []string{allowedOrigin},
	}
	limiter := lim.New(rl, nil, nil)
	t.Cleanup(limiter.Stop)
	hub := events.NewHub(nil, 16)
	b := svc.NewBoard(store, lru, conf, hub, c)
	t.Cleanup(b.Shutdown)

	ts := httptest.NewServer(api.NewServer(c, b, hub, limiter, store, nil))
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return &node{url: ts.URL, hub: hub}
}

func openRateLimit() lim.Opts {
	return lim.Opts{RPM: 6000, Burst: 1000, ConservativeLimit: 1000}
}

func newClient(t *testing.T, n *node) (*client.Client, *boardcrypto.Account) {
	t.Helper()
	acct, err := boardcrypto.NewAccount()
	require.NoError(t, err)
	c, err := client.New(n.url, acct, 5*time.Second)
	require.NoError(t, err)
	return c, acct
}

func newSession(t *testing.T, c *client.Client) *board.Session {
	t.Helper()
	dest, err := c.Board(context.Background())
	require.NoError(t, err)
	require.Equal(t, boardAddr, dest)
	s, err := board.NewSession(c, c, board.SessionOpts{
		Author:           c.Author(),
		Destination:      dest,
		MaxContentLength: board.DefaultMaxContentLength,
	})
	require.NoError(t, err)
	return s
}

func TestPostAndDecryptThroughNode(t *testing.T) {
	n := newNode(t, openRateLimit())
	c, acct := newClient(t, n)
	s := newSession(t, c)
	ctx := context.Background()

	id, err := s.Post(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, acct.Address(), msgs[0].Author)

	view, err := s.Decrypt(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello", view.Plaintext)

	// another reader decrypts the same message
	other, _ := newClient(t, n)
	views, err := board.NewViewCache(8)
	require.NoError(t, err)
	reader := board.NewReader(other, other, views)
	msg, err := reader.Get(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(msgs[0], msg); diff != "" {
		t.Fatalf("message mismatch (-session +reader):\n%s", diff)
	}
	again, err := reader.Decrypt(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, "hello", again.Plaintext)
	require.Equal(t, view.Identifier, again.Identifier)

	count, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestErrorsMapToSentinels(t *testing.T) {
	n := newNode(t, openRateLimit())
	c, acct := newClient(t, n)
	ctx := context.Background()

	_, err := c.ReadOne(ctx, 42)
	require.ErrorIs(t, err, domain.ErrMessageDoesNotExist)

	_, _, err = c.Seal(ctx, "not an identifier", acct.Address(), boardAddr)
	require.ErrorIs(t, err, domain.ErrMalformedValue)

	_, _, err = c.Seal(ctx, "0x5b38da6a701c568545dcfcb03fcb875f56beddc4", acct.Address(), boardcrypto.Address{0x01})
	require.ErrorIs(t, err, domain.ErrWrongDestination)

	h, proof, err := c.Seal(ctx, "0x5b38da6a701c568545dcfcb03fcb875f56beddc4", acct.Address(), boardAddr)
	require.NoError(t, err)
	_, err = c.Reveal(ctx, h)
	require.ErrorIs(t, err, domain.ErrHandleNotFinalized)

	// a different author cannot spend the handle
	thief, _ := newClient(t, n)
	_, err = thief.Write(ctx, "0xabcd", h, proof)
	require.ErrorIs(t, err, domain.ErrInvalidProof)

	_, err = c.Write(ctx, "0x", h, proof)
	require.ErrorIs(t, err, domain.ErrEmptyContent)

	id, err := c.Write(ctx, "0xabcd", h, proof)
	require.NoError(t, err)
	_, err = c.Write(ctx, "0xef01", h, proof)
	require.ErrorIs(t, err, domain.ErrHandleUsed)

	got, err := c.Reveal(ctx, h)
	require.NoError(t, err)
	require.Equal(t, "0x5b38da6a701c568545dcfcb03fcb875f56beddc4", got)

	raw, err := c.ReadOne(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "0xabcd", raw.Ciphertext)
}

func TestPostRequiresValidSignature(t *testing.T) {
	n := newNode(t, openRateLimit())
	ctx := context.Background()

	readOnly, err := client.New(n.url, nil, 0)
	require.NoError(t, err)
	_, err = readOnly.Write(ctx, "0xab", domain.Handle{1}, []byte{1})
	require.ErrorIs(t, err, client.ErrNoAccount)

	body, _ := json.Marshal(map[string]string{
		"ciphertext": "0xab",
		"handle":     domain.Handle{1}.Hex(),
		"proof":      "0x01",
		"signature":  "0x1234",
	})
	resp, err := http.Post(n.url+"/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var eb struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	require.Equal(t, "INVALID_SIGNATURE", eb.Code)
	require.NotEmpty(t, eb.RequestID)
	require.Equal(t, eb.RequestID, resp.Header.Get("X-Request-ID"))
}

func TestRejectsNonJSONBody(t *testing.T) {
	n := newNode(t, openRateLimit())
	resp, err := http.Post(n.url+"/v1/seal", "text/plain", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestListIsEmptyArray(t *testing.T) {
	n := newNode(t, openRateLimit())
	resp, err := http.Get(n.url + "/v1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestWatchReceivesPosts(t *testing.T) {
	n := newNode(t, openRateLimit())
	c, _ := newClient(t, n)
	s := newSession(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(chan domain.MessagePosted, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(ev domain.MessagePosted) error {
			got <- ev
			return errors.New("stop")
		})
	}()
	require.Eventually(t, func() bool { return n.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	id, err := s.Post(ctx, "live")
	require.NoError(t, err)

	select {
	case ev := <-got:
		require.Equal(t, id, ev.ID)
		require.Equal(t, c.Author(), ev.Author)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
	require.EqualError(t, <-done, "stop")
}

func TestRateLimitMapsToSentinel(t *testing.T) {
	n := newNode(t, lim.Opts{RPM: 60, Burst: 2, ConservativeLimit: 1})
	c, _ := newClient(t, n)
	ctx := context.Background()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		_, err = c.Count(ctx)
	}
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
}

func TestHealthAndReady(t *testing.T) {
	n := newNode(t, openRateLimit())
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(n.url + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	n := newNode(t, openRateLimit())
	for _, path := range []string{"/v1/seal", "/v1/reveal", "/v1/messages"} {
		req, err := http.NewRequest(http.MethodOptions, n.url+path, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", allowedOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, allowedOrigin, resp.Header.Get("Access-Control-Allow-Origin"), path)
		require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost, path)
	}

	// other origins get no grant
	req, err := http.NewRequest(http.MethodOptions, n.url+"/v1/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	// simple requests carry the grant too
	get, err := http.NewRequest(http.MethodGet, n.url+"/v1/messages/count", nil)
	require.NoError(t, err)
	get.Header.Set("Origin", allowedOrigin)
	resp, err = http.DefaultClient.Do(get)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, allowedOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
}
