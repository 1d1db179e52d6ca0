package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a Client authenticates to a build host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent signs with the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order when key authentication names no key.
var defaultKeys = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Config describes how to reach one remote build host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// With StrictHostKeyChecking the host key must be listed in
	// KnownHostsPath; otherwise any key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	// CommandTimeout bounds a command whose context has no deadline.
	CommandTimeout time.Duration

	// KeepAliveInterval of zero disables keep-alives. The connection is
	// dropped after MaxKeepAliveRetries consecutive failures.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int
}

func sshDir() string {
	return filepath.Join(os.Getenv("HOME"), ".ssh")
}

// DefaultConfig returns key authentication on port 22 with strict host key
// checking against ~/.ssh/known_hosts.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(sshDir(), "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        time.Hour,
		MaxKeepAliveRetries:   3,
	}
}

// ParseTarget builds a DefaultConfig from "[user@]host[:port]". Without a
// user part $USER is used.
func ParseTarget(target string) (*Config, error) {
	if target == "" {
		return nil, errors.New("empty ssh target")
	}

	user, hostPort, found := strings.Cut(target, "@")
	if !found {
		user, hostPort = os.Getenv("USER"), target
	}

	cfg := DefaultConfig(hostPort, user)
	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid port in ssh target %q", target)
		}
		cfg.Host, cfg.Port = host, n
	}
	return cfg, nil
}

// Validate reports the first problem with c. Key authentication without
// PrivateKeyPath settles on the first of ~/.ssh/id_ed25519, id_rsa and
// id_ecdsa that exists.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.ConnectionTimeout <= 0 {
		return errors.New("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("key authentication needs a private key and none of %v exists in %s", defaultKeys, sshDir())
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method %q", c.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	for _, name := range defaultKeys {
		path := filepath.Join(sshDir(), name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig translates c into an ssh.ClientConfig. The closer
// releases the agent connection opened for AuthMethodAgent and is a no-op
// otherwise.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func() error, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKey, err := c.hostKeyCallback()
	if err != nil {
		_ = closer()
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, func() error, error) {
	noop := func() error { return nil }

	switch c.AuthMethod {
	case AuthMethodPassword:
		// servers often offer passwords only through keyboard-interactive
		answer := ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		})
		return []ssh.AuthMethod{ssh.Password(c.Password), answer}, noop, nil

	case AuthMethodKey:
		signer, err := c.loadSigner()
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported auth method %q", c.AuthMethod)
}

func (c *Config) loadSigner() (ssh.Signer, error) {
	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase == "" {
		signer, err = ssh.ParsePrivateKey(pem)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", c.PrivateKeyPath, err)
	}
	return signer, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return callback, nil
}

// Address is host:port, with IPv6 hosts bracketed.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
