package baas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/baas-go/pkg/realtime"
	"github.com/gftdcojp/baas-go/pkg/storage"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultProtocol = "lc.json.3"
	apiVersion      = "1.1"

	keyInstallationID = "installationId"
)

// Config configures a Client.
type Config struct {
	AppID  string
	AppKey string

	// ServerURL is the REST API base, e.g. "https://api.example.com".
	ServerURL string

	// RouterURL serves realtime endpoint lookups. Defaults to ServerURL.
	RouterURL string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout for REST requests when HTTPClient is not set. Defaults to 15s.
	Timeout time.Duration

	// Storage keeps the router cache and installation id. Defaults to an
	// in-memory store, so a fresh installation id is generated per process.
	Storage storage.Storage

	// Realtime configures the live query socket. Its Logger is ignored.
	Realtime realtime.Config

	// Protocol is the websocket subprotocol. Defaults to "lc.json.3".
	Protocol string

	Logger *zap.Logger
}

// Client talks to one application. It is safe for concurrent use.
type Client struct {
	appID     string
	appKey    string
	serverURL string
	http      *http.Client
	storage   storage.Storage
	rtConfig  realtime.Config
	protocol  string
	router    *Router
	logger    *zap.Logger

	mu           sync.RWMutex
	sessionToken string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("baas: AppID is required")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("baas: ServerURL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	store := cfg.Storage
	if store == nil {
		store = storage.NewMemory(0, logger.Named("storage"))
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = defaultProtocol
	}
	routerURL := cfg.RouterURL
	if routerURL == "" {
		routerURL = cfg.ServerURL
	}

	c := &Client{
		appID:     cfg.AppID,
		appKey:    cfg.AppKey,
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:      httpClient,
		storage:   store,
		rtConfig:  cfg.Realtime,
		protocol:  protocol,
		logger:    logger,
	}
	c.router = &Router{
		client:  c,
		baseURL: strings.TrimRight(routerURL, "/"),
		logger:  logger.Named("router"),
	}
	return c, nil
}

// AppID returns the configured application id.
func (c *Client) AppID() string { return c.appID }

// Router returns the realtime endpoint resolver.
func (c *Client) Router() *Router { return c.router }

// Storage returns the client's storage.
func (c *Client) Storage() storage.Storage { return c.storage }

// SetSessionToken authenticates subsequent requests as a user. An empty
// token reverts to application credentials only.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.sessionToken = token
	c.mu.Unlock()
}

func (c *Client) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// InstallationID returns the id identifying this client to the realtime
// gateway, generating and persisting one on first use.
func (c *Client) InstallationID(ctx context.Context) (string, error) {
	raw, err := c.storage.Get(ctx, keyInstallationID)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("baas: reading installation id: %w", err)
	}

	id := strings.ToLower(ulid.Make().String())
	if err := c.storage.Set(ctx, keyInstallationID, []byte(id), 0); err != nil {
		return "", fmt.Errorf("baas: saving installation id: %w", err)
	}
	c.logger.Info("generated installation id", zap.String("installation_id", id))
	return id, nil
}
