// Package jsonapi implements ledger.Gateway over the ledger's HTTP JSON
// gateway. Submissions are authenticated with per-request HS256 tokens
// carrying actAs/readAs claims; active-contract reads stream NDJSON frames
// terminated by an explicit completion marker so a broken transport is never
// mistaken for a drained result set.
package jsonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/throttle"
)

// Config points the client at one gateway endpoint.
type Config struct {
	BaseURL string
	// Secret signs the per-request HS256 bearer tokens.
	Secret []byte
	// Party is the default acting party; it keys the submission throttle and
	// becomes the token subject.
	Party  ledger.Party
	ReadAs []ledger.Party
	// SubmitTimeout bounds each unary call. Streaming reads run on the
	// caller's context alone.
	SubmitTimeout     time.Duration
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	// MinVersion rejects gateways older than this version during Ready.
	MinVersion string
}

// Client talks to one ledger JSON gateway.
type Client struct {
	cfg      Config
	http     *http.Client
	throttle throttle.Throttle
	logger   *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithThrottle gates submissions per acting party.
func WithThrottle(th throttle.Throttle) Option {
	return func(c *Client) { c.throttle = th }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "jsonapi") }
}

// New builds a gateway client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fault.New(fault.Validation, "jsonapi.New", "base URL is required")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 2 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 120 * time.Second
	}

	c := &Client{
		cfg: cfg,
		// No transport-level timeout: unary calls get per-call deadlines and
		// active-contract streams must outlive any fixed budget.
		http:     &http.Client{},
		throttle: throttle.NoLimit{},
		logger:   slog.Default().With("component", "jsonapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// gatewayClaims are the token claims the gateway authorizes against.
type gatewayClaims struct {
	jwt.RegisteredClaims
	ActAs  []string `json:"actAs"`
	ReadAs []string `json:"readAs,omitempty"`
}

// bearer mints a short-lived token for one request.
func (c *Client) bearer() (string, error) {
	now := time.Now().UTC()
	readAs := make([]string, 0, len(c.cfg.ReadAs))
	for _, p := range c.cfg.ReadAs {
		readAs = append(readAs, string(p))
	}
	claims := gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(c.cfg.Party),
			Issuer:    "paystream",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		ActAs:  []string{string(c.cfg.Party)},
		ReadAs: readAs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.cfg.Secret)
}

// newRequest builds an authenticated request with a JSON body.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("jsonapi: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("jsonapi: create request: %w", err)
	}

	token, err := c.bearer()
	if err != nil {
		return nil, fmt.Errorf("jsonapi: sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// unary performs one request/response call with the configured deadline.
func (c *Client) unary(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mapTransportErr(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &fault.Error{Class: fault.Transient, Code: fault.CodeUpstream,
				Op: op, Msg: "malformed gateway response", Err: err}
		}
	}
	return nil
}

// SubmitAndWait applies one atomic submission and returns its records.
func (c *Client) SubmitAndWait(ctx context.Context, req ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	const op = "jsonapi.SubmitAndWait"

	party := string(c.cfg.Party)
	if len(req.ActAs) > 0 {
		party = string(req.ActAs[0])
	}
	if err := c.throttle.Allow(ctx, party); err != nil {
		return nil, err
	}

	var result ledger.SubmitResult
	if err := c.unary(ctx, op, http.MethodPost, "/v1/commands/submit-and-wait", req, &result); err != nil {
		return nil, err
	}

	for i := range result.Created {
		normalizeKind(&result.Created[i])
	}
	for i := range result.Archived {
		if result.Archived[i].Kind == ledger.KindAny {
			result.Archived[i].Kind = ledger.KindOf(result.Archived[i].Template)
		}
	}

	c.logger.Debug("submission applied",
		"command_id", req.CommandID,
		"created", len(result.Created),
		"archived", len(result.Archived),
	)
	return &result, nil
}

type lookupRequest struct {
	Contract ledger.ContractID `json:"contract_id"`
	ReadAs   ledger.Party      `json:"read_as"`
}

// GetCreation fetches a contract's creation event as seen by viewer.
func (c *Client) GetCreation(ctx context.Context, id ledger.ContractID, viewer ledger.Party) (*ledger.CreatedRecord, error) {
	const op = "jsonapi.GetCreation"

	var rec ledger.CreatedRecord
	err := c.unary(ctx, op, http.MethodPost, "/v1/contracts/lookup",
		lookupRequest{Contract: id, ReadAs: viewer}, &rec)
	if err != nil {
		return nil, err
	}
	normalizeKind(&rec)
	return &rec, nil
}

// exchangeContextWire is the gateway's rate document.
type exchangeContextWire struct {
	RatesContract string                     `json:"rates_contract"`
	Rates         map[string]decimal.Decimal `json:"rates"`
	AsOf          time.Time                  `json:"as_of"`
}

// ExchangeContext reads the current conversion rates.
func (c *Client) ExchangeContext(ctx context.Context) (*money.ExchangeContext, error) {
	const op = "jsonapi.ExchangeContext"

	var wire exchangeContextWire
	if err := c.unary(ctx, op, http.MethodGet, "/v1/exchange-context", nil, &wire); err != nil {
		return nil, err
	}

	rates := make(map[money.Currency]decimal.Decimal, len(wire.Rates))
	for code, rate := range wire.Rates {
		rates[money.Currency(code)] = rate
	}
	return &money.ExchangeContext{
		RatesContract: wire.RatesContract,
		Rates:         rates,
		AsOf:          wire.AsOf,
	}, nil
}

func normalizeKind(rec *ledger.CreatedRecord) {
	if rec.Kind == ledger.KindAny {
		rec.Kind = ledger.KindOf(rec.Template)
	}
}

var _ ledger.Gateway = (*Client)(nil)
