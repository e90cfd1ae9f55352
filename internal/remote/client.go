// Package remote is the typed HTTP gateway to the finance backend. Every
// failure is classified into the core error taxonomy so the sync coordinator
// can decide between retry, conflict and re-authentication.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finsync/internal/core"
	applog "finsync/internal/log"

	"golang.org/x/oauth2"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 4 << 10
	maxResponseBody = 8 << 20
)

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	base    http.RoundTripper
}

func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithTransport sets the transport wrapped by the bearer-token transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.base = rt }
}

// New returns a client for the API rooted at baseURL. Every request carries
// the bearer token produced by tokens.
func New(baseURL string, tokens oauth2.TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}

	o := clientOptions{timeout: defaultTimeout, base: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		baseURL: u,
		http: &http.Client{
			Timeout:   o.timeout,
			Transport: &oauth2.Transport{Source: tokens, Base: o.base},
		},
	}, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	start := time.Now()

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	reqID := newRequestID()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, reqID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	fields := applog.NewFields().
		WithComponent(applog.ComponentRemote).
		WithOperation(op).
		WithHTTP(method, path, resp.StatusCode).
		WithDuration(time.Since(start))
	fields[applog.FieldRequestID] = reqID
	slog.DebugContext(ctx, "Remote call", fields.ToSlice()...)

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
			Kind:       kind,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		// The write may have landed; retry instead of reporting a conflict.
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: core.ErrNetwork, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func transportError(op string, err error) error {
	// The bearer transport surfaces token source failures as request errors.
	if errors.Is(err, core.ErrAuth) {
		return &Error{Op: op, Kind: core.ErrAuth, Err: err}
	}
	return &Error{Op: op, Kind: core.ErrNetwork, Err: err}
}

func readErrorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(b) == 0 {
		return ""
	}
	var er errorResponse
	if json.Unmarshal(b, &er) == nil {
		if er.Error != "" {
			return er.Error
		}
		if er.Message != "" {
			return er.Message
		}
	}
	return strings.TrimSpace(string(b))
}

func escape(id string) string {
	return "/" + url.PathEscape(id)
}

// ignoreNotFound turns a 404 into success; deleting what is already gone is fine.
func ignoreNotFound(err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

// requireID guards against a 2xx that did not return an identifier.
func requireID(op, id string) (string, error) {
	if id == "" {
		return "", &Error{Op: op, StatusCode: http.StatusOK, Kind: core.ErrNetwork, Err: errors.New("response carried no id")}
	}
	return id, nil
}

// Transactions

func (c *Client) CreateTransaction(ctx context.Context, t core.Transaction) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "create transaction", http.MethodPost, "/transactions", nil, toTransactionDTO(t), &resp); err != nil {
		return "", err
	}
	return requireID("create transaction", resp.remoteID())
}

// UpdateTransaction pushes t to the record identified by t.RemoteID and
// returns the identifier the remote echoes (or t.RemoteID if none).
func (c *Client) UpdateTransaction(ctx context.Context, t core.Transaction) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "update transaction", http.MethodPut, "/transactions"+escape(t.RemoteID), nil, toTransactionDTO(t), &resp); err != nil {
		return "", err
	}
	if id := resp.remoteID(); id != "" {
		return id, nil
	}
	return t.RemoteID, nil
}

func (c *Client) DeleteTransaction(ctx context.Context, remoteID string) error {
	return ignoreNotFound(c.do(ctx, "delete transaction", http.MethodDelete, "/transactions"+escape(remoteID), nil, nil, nil))
}

func (c *Client) GetTransaction(ctx context.Context, remoteID string) (core.Transaction, error) {
	var d transactionDTO
	if err := c.do(ctx, "get transaction", http.MethodGet, "/transactions"+escape(remoteID), nil, nil, &d); err != nil {
		return core.Transaction{}, err
	}
	return d.toCore(), nil
}

func (c *Client) ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	var list []transactionDTO
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, "list transactions", http.MethodGet, "/transactions", q, nil, &list); err != nil {
		return nil, err
	}
	out := make([]core.Transaction, 0, len(list))
	for _, d := range list {
		t := d.toCore()
		if t.UserID == "" {
			t.UserID = userID
		}
		out = append(out, t)
	}
	return out, nil
}

// Wallets

func (c *Client) ListWallets(ctx context.Context, userID string) ([]core.Wallet, error) {
	var list []walletDTO
	if err := c.do(ctx, "list wallets", http.MethodGet, "/wallets", nil, nil, &list); err != nil {
		return nil, err
	}
	out := make([]core.Wallet, 0, len(list))
	for _, d := range list {
		w := d.toCore()
		if w.UserID == "" {
			w.UserID = userID
		}
		out = append(out, w)
	}
	return out, nil
}

func (c *Client) CreateWallet(ctx context.Context, w core.Wallet) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "create wallet", http.MethodPost, "/wallets", nil, toWalletDTO(w), &resp); err != nil {
		return "", err
	}
	return requireID("create wallet", resp.remoteID())
}

func (c *Client) UpdateWallet(ctx context.Context, w core.Wallet) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "update wallet", http.MethodPut, "/wallets"+escape(w.RemoteID), nil, toWalletDTO(w), &resp); err != nil {
		return "", err
	}
	if id := resp.remoteID(); id != "" {
		return id, nil
	}
	return w.RemoteID, nil
}

func (c *Client) DeleteWallet(ctx context.Context, remoteID string) error {
	return ignoreNotFound(c.do(ctx, "delete wallet", http.MethodDelete, "/wallets"+escape(remoteID), nil, nil, nil))
}

// SyncWallets pushes a batch of wallets in one call. Per-wallet failures are
// reported in the results; the returned error covers the call as a whole.
func (c *Client) SyncWallets(ctx context.Context, wallets []core.Wallet) ([]BulkResult, error) {
	req := walletSyncRequest{Wallets: make([]walletDTO, len(wallets))}
	for i, w := range wallets {
		req.Wallets[i] = toWalletDTO(w)
	}
	var resp walletSyncResponse
	if err := c.do(ctx, "sync wallets", http.MethodPost, "/wallets/sync", nil, req, &resp); err != nil {
		return nil, err
	}

	out := make([]BulkResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		br := BulkResult{LocalID: r.LocalID, RemoteID: r.ID}
		if r.Error != "" || r.ID == "" {
			kind := classifyStatus(r.Status)
			if kind == nil {
				kind = core.ErrValidation
			}
			br.Err = &Error{Op: "sync wallet " + r.LocalID, StatusCode: r.Status, Message: r.Error, Kind: kind}
			br.RemoteID = ""
		}
		out = append(out, br)
	}
	return out, nil
}

// Profile

func (c *Client) GetProfile(ctx context.Context) (core.UserProfile, error) {
	var d profileDTO
	if err := c.do(ctx, "get profile", http.MethodGet, "/profile", nil, nil, &d); err != nil {
		return core.UserProfile{}, err
	}
	return d.toCore(), nil
}

func (c *Client) UpdateProfile(ctx context.Context, p core.UserProfile) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "update profile", http.MethodPut, "/profile/update", nil, toProfileDTO(p), &resp); err != nil {
		return "", err
	}
	if id := resp.remoteID(); id != "" {
		return id, nil
	}
	return p.UserID, nil
}

// Receipts

// SubmitOCR sends a base64-encoded image for extraction.
func (c *Client) SubmitOCR(ctx context.Context, imageBase64, userID string) (core.ReceiptExtraction, error) {
	var resp ocrResponse
	req := ocrRequest{Image: imageBase64, UserID: userID}
	if err := c.do(ctx, "receipt ocr", http.MethodPost, "/receipts/ocr", nil, req, &resp); err != nil {
		return core.ReceiptExtraction{}, err
	}
	return resp.toCore(), nil
}

func (c *Client) CreateReceipt(ctx context.Context, rt core.ReceiptTransaction) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "create receipt", http.MethodPost, "/receipts", nil, toReceiptDTO(rt), &resp); err != nil {
		return "", err
	}
	return requireID("create receipt", resp.remoteID())
}

func (c *Client) UpdateReceipt(ctx context.Context, rt core.ReceiptTransaction) (string, error) {
	var resp idResponse
	if err := c.do(ctx, "update receipt", http.MethodPut, "/receipts"+escape(rt.RemoteID), nil, toReceiptDTO(rt), &resp); err != nil {
		return "", err
	}
	if id := resp.remoteID(); id != "" {
		return id, nil
	}
	return rt.RemoteID, nil
}

func (c *Client) DeleteReceipt(ctx context.Context, remoteID string) error {
	return ignoreNotFound(c.do(ctx, "delete receipt", http.MethodDelete, "/receipts"+escape(remoteID), nil, nil, nil))
}
