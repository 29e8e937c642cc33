package avion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the production Avi-on cloud endpoint.
	DefaultBaseURL = "https://api.avi-on.com"

	requestTimeout = 10 * time.Second

	// Default politeness limit for cloud calls; the poller multiplies
	// requests by device count, so keep a low steady rate with headroom
	// for command bursts.
	defaultRateLimit = 4
	defaultRateBurst = 8
)

// ErrAuthFailed is returned when the cloud rejects the configured credentials.
var ErrAuthFailed = errors.New("avion: authentication failed")

// errUnauthorized marks an authenticated call rejected with 401, which
// triggers one re-login and retry.
var errUnauthorized = errors.New("avion: session token rejected")

// apiError is a non-2xx cloud response.
type apiError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("avion: %s /%s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to the Avi-on cloud REST API. It holds the session token and
// re-authenticates transparently when the cloud expires it.
type Client struct {
	baseURL  string
	email    string
	password string
	httpc    *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the cloud endpoint (tests, regional deployments).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpc = hc
	}
}

// WithRateLimit sets the outbound token bucket (requests per second and
// burst). Zero or negative values disable limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 || burst <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates an Avi-on cloud client for one account.
func NewClient(email, password string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		email:    email,
		password: password,
		httpc:    &http.Client{Timeout: requestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateBurst),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current session token ("" before login).
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken seeds a previously persisted session token. The next 401 falls
// back to a fresh login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Authenticate logs in with the configured credentials and stores the
// session token.
func (c *Client) Authenticate(ctx context.Context) error {
	body := map[string]string{"email": c.email, "password": c.password}
	var resp struct {
		Credentials struct {
			AuthToken string `json:"auth_token"`
		} `json:"credentials"`
	}
	if err := c.do(ctx, http.MethodPost, "sessions", body, &resp, false); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusBadRequest || ae.Status == http.StatusForbidden) {
			return fmt.Errorf("%w (status %d)", ErrAuthFailed, ae.Status)
		}
		return fmt.Errorf("avion: login: %w", err)
	}
	if resp.Credentials.AuthToken == "" {
		return ErrAuthFailed
	}
	c.SetToken(resp.Credentials.AuthToken)
	c.logger.Info("authenticated to avi-on cloud", "email", c.email)
	return nil
}

// Locations lists the account's locations.
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	var resp struct {
		Locations []Location `json:"locations"`
	}
	if err := c.call(ctx, http.MethodGet, "user/locations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

// AbstractDevices lists the fixtures registered at a location.
func (c *Client) AbstractDevices(ctx context.Context, locationPID int64) ([]AbstractDevice, error) {
	var resp struct {
		AbstractDevices []AbstractDevice `json:"abstract_devices"`
	}
	path := fmt.Sprintf("locations/%d/abstract_devices", locationPID)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.AbstractDevices, nil
}

// Groups lists the fixture groups defined at a location.
func (c *Client) Groups(ctx context.Context, locationPID int64) ([]Group, error) {
	var resp struct {
		Groups []Group `json:"groups"`
	}
	path := fmt.Sprintf("locations/%d/groups", locationPID)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// Scenes lists the scenes stored at a location.
func (c *Client) Scenes(ctx context.Context, locationPID int64) ([]Scene, error) {
	var resp struct {
		Scenes []Scene `json:"scenes"`
	}
	path := fmt.Sprintf("locations/%d/scenes", locationPID)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Scenes, nil
}

// DeviceState reads the state property list of a fixture.
func (c *Client) DeviceState(ctx context.Context, pid int64) ([]Property, error) {
	return c.state(ctx, "devices", pid)
}

// GroupState reads the state property list of a group.
func (c *Client) GroupState(ctx context.Context, pid int64) ([]Property, error) {
	return c.state(ctx, "groups", pid)
}

// SceneState reads the state property list of a scene.
func (c *Client) SceneState(ctx context.Context, pid int64) ([]Property, error) {
	return c.state(ctx, "scenes", pid)
}

// SetDeviceState writes one property to a fixture.
func (c *Client) SetDeviceState(ctx context.Context, pid int64, prop Property) ([]Property, error) {
	return c.setState(ctx, "devices", pid, prop)
}

// SetGroupState writes one property to a group.
func (c *Client) SetGroupState(ctx context.Context, pid int64, prop Property) ([]Property, error) {
	return c.setState(ctx, "groups", pid, prop)
}

// SetSceneState writes one property to a scene (on_off activates it).
func (c *Client) SetSceneState(ctx context.Context, pid int64, prop Property) ([]Property, error) {
	return c.setState(ctx, "scenes", pid, prop)
}

func (c *Client) state(ctx context.Context, collection string, pid int64) ([]Property, error) {
	var resp struct {
		State []Property `json:"state"`
	}
	path := fmt.Sprintf("%s/%d/state", collection, pid)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) setState(ctx context.Context, collection string, pid int64, prop Property) ([]Property, error) {
	body := map[string]Property{"state": prop}
	var resp struct {
		States []Property `json:"states"`
	}
	path := fmt.Sprintf("%s/%d/state", collection, pid)
	if err := c.call(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

// call runs an authenticated request, re-logging in once when the session
// token has expired.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	err := c.do(ctx, method, path, body, out, true)
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	c.logger.Warn("session token rejected, re-authenticating", "path", path)
	if err := c.Authenticate(ctx); err != nil {
		return err
	}
	return c.do(ctx, method, path, body, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("avion: rate limiter: %w", err)
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("avion: encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, rd)
	if err != nil {
		return fmt.Errorf("avion: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		tok := c.Token()
		if tok == "" {
			return errUnauthorized
		}
		req.Header.Set("Authorization", "Token "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("avion: %s /%s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("cloud request", "method", method, "path", path, "status", resp.StatusCode)

	if authed && resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   readErrorBody(resp.Body),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("avion: decode %s /%s: %w", method, path, err)
	}
	return nil
}

// readErrorBody captures a short prefix of an error response for logs.
func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 256))
	if err != nil || len(b) == 0 {
		return "<no body>"
	}
	return strings.TrimSpace(string(b))
}
