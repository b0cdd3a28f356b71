// Package client talks to a secretboard node over HTTP. A Client satisfies
// both board.Ledger and board.Sealer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"secretboard/pkg/board"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

const maxResponseSize = 32 << 20

var ErrNoAccount = errors.New("client has no author account")

type Client struct {
	base    *url.URL
	http    *http.Client
	account *boardcrypto.Account
}

// New returns a client for the node at baseURL. account signs ledger writes
// and may be nil for a read-only client. A zero timeout means none.
func New(baseURL string, account *boardcrypto.Account, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse node url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("node url must be http(s), got %q", baseURL)
	}
	return &Client{
		base:    u,
		http:    &http.Client{Timeout: timeout},
		account: account,
	}, nil
}

// WithHTTPClient swaps the underlying transport, for tests and custom TLS.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Author() boardcrypto.Address {
	if c.account == nil {
		return boardcrypto.ZeroAddress
	}
	return c.account.Address()
}

type errBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// do sends in as JSON (when non-nil) and decodes a 2xx response into out.
// Error responses come back wrapping the matching domain sentinel.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decode %s response", path)
}

func decodeError(status int, raw []byte) error {
	var eb errBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Code == "" {
		return errors.Errorf("node returned %d", status)
	}
	if sentinel, ok := domain.ByCode(eb.Code); ok {
		if eb.RequestID != "" {
			return errors.Wrapf(sentinel, "node request %s", eb.RequestID)
		}
		return errors.Wrap(sentinel, "node")
	}
	return errors.Errorf("node returned %d %s: %s", status, eb.Code, eb.Error)
}

type sealReq struct {
	Value       string              `json:"value"`
	Author      boardcrypto.Address `json:"author"`
	Destination boardcrypto.Address `json:"destination"`
}
type sealResp struct {
	Handle domain.Handle `json:"handle"`
	Proof  string        `json:"proof"`
}

func (c *Client) Seal(ctx context.Context, value string, author, destination boardcrypto.Address) (domain.Handle, []byte, error) {
	var resp sealResp
	err := c.do(ctx, http.MethodPost, "/v1/seal", sealReq{Value: value, Author: author, Destination: destination}, &resp)
	if err != nil {
		return domain.Handle{}, nil, err
	}
	proof, err := boardcrypto.DecodeHex(resp.Proof)
	if err != nil {
		return domain.Handle{}, nil, errors.Wrap(err, "seal proof")
	}
	return resp.Handle, proof, nil
}

type revealReq struct {
	Handles []domain.Handle `json:"handles"`
}
type revealResp struct {
	Values map[string]string `json:"values"`
}

func (c *Client) Reveal(ctx context.Context, handle domain.Handle) (string, error) {
	var resp revealResp
	if err := c.do(ctx, http.MethodPost, "/v1/reveal", revealReq{Handles: []domain.Handle{handle}}, &resp); err != nil {
		return "", err
	}
	v, ok := resp.Values[handle.Hex()]
	if !ok {
		return "", errors.Wrap(domain.ErrMalformedReveal, "handle missing from reveal response")
	}
	return v, nil
}

type postReq struct {
	Ciphertext string        `json:"ciphertext"`
	Handle     domain.Handle `json:"handle"`
	Proof      string        `json:"proof"`
	Signature  string        `json:"signature"`
}
type postResp struct {
	ID uint64 `json:"id"`
}

// Write signs and submits one ledger write.
func (c *Client) Write(ctx context.Context, ciphertext string, handle domain.Handle, proof []byte) (uint64, error) {
	if c.account == nil {
		return 0, ErrNoAccount
	}
	sig := c.account.Sign(boardcrypto.PostDigest(ciphertext, handle[:], proof))
	var resp postResp
	err := c.do(ctx, http.MethodPost, "/v1/messages", postReq{
		Ciphertext: ciphertext,
		Handle:     handle,
		Proof:      boardcrypto.EncodeHex(proof),
		Signature:  boardcrypto.EncodeHex(sig),
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *Client) ReadAll(ctx context.Context) ([]board.RawRecord, error) {
	var out []board.RawRecord
	if err := c.do(ctx, http.MethodGet, "/v1/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReadOne(ctx context.Context, id uint64) (board.RawRecord, error) {
	var out board.RawRecord
	err := c.do(ctx, http.MethodGet, "/v1/messages/"+strconv.FormatUint(id, 10), nil, &out)
	return out, err
}

func (c *Client) Count(ctx context.Context) (uint64, error) {
	var out struct {
		Count uint64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/messages/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Board returns the node's destination address.
func (c *Client) Board(ctx context.Context) (boardcrypto.Address, error) {
	var out struct {
		Address boardcrypto.Address `json:"address"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/board", nil, &out); err != nil {
		return boardcrypto.ZeroAddress, err
	}
	return out.Address, nil
}
