package libre

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultBaseURL is the initial regional endpoint. Accounts homed in a
// different region are redirected by the login response and the client
// rebinds itself.
const DefaultBaseURL = "https://api.libreview.ru"

// DefaultClientVersion is sent in the version header. The vendor rejects
// versions it considers too old.
const DefaultClientVersion = "4.16.0"

const defaultCountryCode = "RU"

// vendor-defined status codes embedded in the login response body.
const (
	loginStatusBadCredentials = 2
	loginStatusStepRequired   = 4
)

const maxAttempts = 3

// Client is an authenticated session against the LibreLinkUp API. It caches
// the bearer token and the resolved patient connection for its lifetime and
// is safe for single-goroutine use only; concurrent sync passes must build
// separate clients.
type Client struct {
	username      string
	password      string
	clientVersion string
	countryCode   string
	selector      Selector
	httpClient    *http.Client
	logger        *zap.Logger

	baseURL      string
	token        string
	accountID    string
	connectionID string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the initial regional endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithClientVersion overrides the client version header.
func WithClientVersion(version string) Option {
	return func(c *Client) { c.clientVersion = version }
}

// WithSelector sets the connection selection policy.
func WithSelector(s Selector) Option {
	return func(c *Client) { c.selector = s }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds an unauthenticated client for the given LibreLinkUp
// account. Login happens lazily on the first read.
func NewClient(username, password string, opts ...Option) *Client {
	c := &Client{
		username:      username,
		password:      password,
		clientVersion: DefaultClientVersion,
		countryCode:   defaultCountryCode,
		selector:      FirstConnection(),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        zap.NewNop(),
		baseURL:       DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates against the vendor API, following at most one regional
// redirect. On success the client holds a bearer token and account id used
// by all subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	return c.login(ctx, 0)
}

func (c *Client) login(ctx context.Context, redirects int) error {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/llu/auth/login", loginRequest{
		Email:    c.username,
		Password: c.password,
	}, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	switch resp.Status {
	case loginStatusBadCredentials:
		return &AuthError{Reason: "bad credentials: make sure you use LibreLinkUp credentials, not LibreLink"}
	case loginStatusStepRequired:
		step := resp.Data.Step.ComponentName
		if step == "" {
			step = "unknown"
		}
		return &AuthError{Reason: "additional action required: " + step}
	}

	if resp.Data.Redirect {
		if redirects >= 1 {
			return &AuthError{Reason: "region resolution failed: got a second redirect"}
		}
		endpoint, err := c.resolveRegion(ctx, resp.Data.Region)
		if err != nil {
			return err
		}
		c.logger.Info("rebinding to regional endpoint",
			zap.String("region", resp.Data.Region),
			zap.String("endpoint", endpoint))
		c.baseURL = strings.TrimRight(endpoint, "/")
		return c.login(ctx, redirects+1)
	}

	if resp.Data.AuthTicket.Token == "" {
		return &AuthError{Reason: "login response carried no auth ticket"}
	}
	c.token = resp.Data.AuthTicket.Token
	c.accountID = resp.Data.User.ID
	c.logger.Info("authenticated with LibreLinkUp", zap.String("endpoint", c.baseURL))
	return nil
}

func (c *Client) resolveRegion(ctx context.Context, region string) (string, error) {
	var resp countryResponse
	path := "/llu/config/country?country=" + c.countryCode
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("region lookup: %w", err)
	}
	node, ok := resp.Data.RegionalMap[region]
	if !ok || node.LslAPI == "" {
		available := make([]string, 0, len(resp.Data.RegionalMap))
		for name := range resp.Data.RegionalMap {
			available = append(available, name)
		}
		sort.Strings(available)
		return "", &AuthError{Reason: fmt.Sprintf(
			"region resolution failed: unable to find region %q, available nodes are %s",
			region, strings.Join(available, ", "))}
	}
	return node.LslAPI, nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	return c.Login(ctx)
}

// Connections lists the patients the account follows.
func (c *Client) Connections(ctx context.Context) ([]Connection, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	var resp connectionsResponse
	if err := c.do(ctx, http.MethodGet, "/llu/connections", nil, &resp); err != nil {
		return nil, fmt.Errorf("get connections: %w", err)
	}
	return resp.Data, nil
}

// connectionIDFor resolves the selected patient id once and caches it for
// the client lifetime.
func (c *Client) connectionIDFor(ctx context.Context) (string, error) {
	if c.connectionID != "" {
		return c.connectionID, nil
	}
	conns, err := c.Connections(ctx)
	if err != nil {
		return "", err
	}
	id, err := c.selector.pick(conns)
	if err != nil {
		return "", err
	}
	c.connectionID = id
	return id, nil
}

// ReadRaw fetches the measurement graph for the selected connection without
// normalizing it.
func (c *Client) ReadRaw(ctx context.Context) (*GraphData, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	id, err := c.connectionIDFor(ctx)
	if err != nil {
		return nil, err
	}
	var resp graphResponse
	if err := c.do(ctx, http.MethodGet, "/llu/connections/"+id+"/graph", nil, &resp); err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return &resp.Data, nil
}

// Read fetches and normalizes the current measurement and the historical
// graph array. It returns ErrNoData when the vendor response carries no
// current measurement.
func (c *Client) Read(ctx context.Context) (Reading, []Reading, error) {
	raw, err := c.ReadRaw(ctx)
	if err != nil {
		return Reading{}, nil, err
	}
	if raw.Connection.GlucoseMeasurement == nil {
		return Reading{}, nil, ErrNoData
	}
	current, err := Normalize(*raw.Connection.GlucoseMeasurement, TrendFlat)
	if err != nil {
		return Reading{}, nil, fmt.Errorf("normalize current measurement: %w", err)
	}
	history := make([]Reading, 0, len(raw.GraphData))
	for _, item := range raw.GraphData {
		r, err := Normalize(item, TrendFlat)
		if err != nil {
			return Reading{}, nil, fmt.Errorf("normalize history entry: %w", err)
		}
		history = append(history, r)
	}
	return current, history, nil
}

// retryableStatus lists HTTP statuses retried with exponential backoff.
// Everything else fails immediately.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// do performs one vendor API call with the bounded retry policy: at most
// maxAttempts attempts, exponential backoff, retrying only transport errors
// and the retryable status set.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = b
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if retryableStatus[resp.StatusCode] {
			c.logger.Warn("vendor API returned retryable status",
				zap.Int("status", resp.StatusCode), zap.String("path", path))
			return &FetchError{StatusCode: resp.StatusCode}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			// The token is stale; drop it so the next call re-logins.
			c.token = ""
			return backoff.Permanent(&FetchError{StatusCode: resp.StatusCode})
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&FetchError{StatusCode: resp.StatusCode})
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	return backoff.Retry(operation, bo)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("content-type", "application/json")
	req.Header.Set("cache-control", "no-cache")
	req.Header.Set("product", "llu.android")
	req.Header.Set("version", c.clientVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		// The account id is never transmitted in plaintext.
		sum := sha256.Sum256([]byte(c.accountID))
		req.Header.Set("account-id", hex.EncodeToString(sum[:]))
	}
}
