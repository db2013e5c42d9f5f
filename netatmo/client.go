// Package netatmo is a client for the Netatmo weather station REST API. It
// covers the OAuth2 password and refresh-token grants and the station, public
// map, home coach and historical measure endpoints.
package netatmo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production API host
const DefaultBaseURL = "https://api.netatmo.com"

const (
	tokenPath             = "/oauth2/token"
	stationsDataPath      = "/api/getstationsdata"
	publicDataPath        = "/api/getpublicdata"
	homeCoachsDataPath    = "/api/gethomecoachsdata"
	measurePath           = "/api/getmeasure"
	grantTypePassword     = "password"
	grantTypeRefreshToken = "refresh_token"
)

// Credentials identify the user and the registered application
type Credentials struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// Token is the OAuth2 state of a session. Callers that persist tokens read it
// with Client.Token and restore it with WithToken.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Client is a Netatmo API session.
//
// A Client holds mutable token state and is not safe for concurrent use.
// Callers sharing one Client between goroutines must serialize access.
type Client struct {
	creds      Credentials
	token      Token
	scope      []string
	baseURL    string
	httpClient *http.Client
	transport  *transport
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request. The default
// is http.DefaultClient, which has no timeout.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURL points the client at another API host
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger; requests are logged at debug level
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithToken restores a previously obtained token
func WithToken(token Token) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithScope requests OAuth2 scopes on login, e.g. "read_station"
func WithScope(scopes ...string) Option {
	return func(c *Client) {
		c.scope = scopes
	}
}

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new unauthenticated client unless WithToken is given
func NewClient(creds Credentials, opts ...Option) *Client {
	c := &Client{
		creds:      creds,
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transport = &transport{httpClient: c.httpClient, logger: c.logger}
	return c
}

// Token returns a copy of the current token state
func (c *Client) Token() Token {
	return c.token
}

// Authenticated reports whether an access token is held
func (c *Client) Authenticated() bool {
	return c.token.AccessToken != ""
}

// tokenResponse fields are pointers so that absent keys can be told apart
// from zero values.
type tokenResponse struct {
	AccessToken  *string `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	ExpiresIn    *int64  `json:"expires_in"`
}

// Login performs the OAuth2 password grant. It fails with
// MissingCredentialError without touching the network if any credential is
// empty, checked in the order username, password, client id, client secret.
func (c *Client) Login(ctx context.Context) error {
	required := []struct {
		value string
		name  Credential
	}{
		{c.creds.Username, CredentialUsername},
		{c.creds.Password, CredentialPassword},
		{c.creds.ClientID, CredentialClientID},
		{c.creds.ClientSecret, CredentialClientSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return &MissingCredentialError{Credential: r.name}
		}
	}

	params := map[string]string{
		"grant_type":    grantTypePassword,
		"client_id":     c.creds.ClientID,
		"client_secret": c.creds.ClientSecret,
		"username":      c.creds.Username,
		"password":      c.creds.Password,
	}
	if len(c.scope) > 0 {
		params["scope"] = strings.Join(c.scope, " ")
	}

	if err := c.requestToken(ctx, params); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}
	c.logger.Info("netatmo login successful", zap.Time("token_expiry", c.token.Expiry))
	return nil
}

// Refresh exchanges the refresh token for a new access token
func (c *Client) Refresh(ctx context.Context) error {
	if c.token.RefreshToken == "" {
		return &MissingCredentialError{Credential: CredentialRefreshToken}
	}
	if c.creds.ClientID == "" {
		return &MissingCredentialError{Credential: CredentialClientID}
	}
	if c.creds.ClientSecret == "" {
		return &MissingCredentialError{Credential: CredentialClientSecret}
	}

	params := map[string]string{
		"grant_type":    grantTypeRefreshToken,
		"refresh_token": c.token.RefreshToken,
		"client_id":     c.creds.ClientID,
		"client_secret": c.creds.ClientSecret,
	}

	if err := c.requestToken(ctx, params); err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	c.logger.Debug("netatmo token refreshed", zap.Time("token_expiry", c.token.Expiry))
	return nil
}

func (c *Client) requestToken(ctx context.Context, params map[string]string) error {
	body, err := c.transport.post(ctx, c.baseURL+tokenPath, params, nil)
	if err != nil {
		return err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}

	// Decode fully before touching state so a bad response changes nothing
	next := c.token
	if resp.AccessToken != nil {
		next.AccessToken = *resp.AccessToken
	}
	if resp.RefreshToken != nil {
		next.RefreshToken = *resp.RefreshToken
	}
	if resp.ExpiresIn != nil {
		next.Expiry = c.now().Add(time.Duration(*resp.ExpiresIn) * time.Second)
	}
	c.token = next
	return nil
}

// ensureToken refreshes once the stored expiry has been reached
func (c *Client) ensureToken(ctx context.Context) error {
	if c.now().Before(c.token.Expiry) {
		return nil
	}
	return c.Refresh(ctx)
}

// authorize returns a copy of params carrying the access token, and the
// matching bearer header.
func (c *Client) authorize(params map[string]string) (map[string]string, http.Header) {
	authorized := make(map[string]string, len(params)+1)
	for k, v := range params {
		authorized[k] = v
	}
	authorized["access_token"] = c.token.AccessToken

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token.AccessToken)
	return authorized, header
}

// Get performs an authenticated GET against path and returns the raw JSON
// response. A failed refresh is returned as is.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	authorized, header := c.authorize(params)
	return c.transport.get(ctx, c.baseURL+path, authorized, header)
}

// Post performs an authenticated form POST against path
func (c *Client) Post(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	authorized, header := c.authorize(params)
	return c.transport.post(ctx, c.baseURL+path, authorized, header)
}
