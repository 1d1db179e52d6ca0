package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single SSH connection. Sessions are
// opened per command; a Client is safe for concurrent use.
type Client struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	closeAuth   func() error
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// errNotConnected is returned by operations on a Client that has no
// connection.
var errNotConnected = errors.New("not connected")

// Connect dials the host and authenticates. On a live connection it only
// verifies health; a dead one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if c.healthCheckInternal() == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	client, closeAuth, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.client = client
	c.closeAuth = closeAuth
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dial opens the TCP connection and runs the SSH handshake. Handshake
// failures are reported as auth errors: with a reachable host they almost
// always are.
func (c *Client) dial(ctx context.Context) (*ssh.Client, func() error, error) {
	clientConfig, closeAuth, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("dialing")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		_ = closeAuth()
		return nil, nil, temporaryError("connect", err)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		_ = closeAuth()
		return nil, nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), closeAuth, nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.closeAuth != nil {
		_ = c.closeAuth()
		c.closeAuth = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: errNotConnected}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" in a fresh session. Callers hold connMu.
func (c *Client) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return temporaryError("healthcheck", err)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return temporaryError("healthcheck", err)
	}

	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or too
// many requests fail.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

func (c *Client) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// sshClient returns the underlying connection for the executor and sftp.
func (c *Client) sshClient(op string) (*ssh.Client, error) {
	c.connMu.RLock()
	client, connected := c.client, c.isConnected
	c.connMu.RUnlock()

	if !connected || client == nil {
		return nil, &TransportError{Op: op, Err: errNotConnected}
	}

	c.touch()
	return client, nil
}
