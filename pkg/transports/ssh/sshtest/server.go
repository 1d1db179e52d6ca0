// Package sshtest provides an in-process SSH server for tests. Commands run
// through the local "sh" in a scratch directory and the sftp subsystem is
// served from the same directory.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Credentials accepted by the server.
const (
	User     = "testuser"
	Password = "testpass"
)

// Server is a minimal SSH server bound to a loopback port.
type Server struct {
	// Dir is the working directory for commands and sftp paths.
	Dir string

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewServer starts a server and registers its shutdown with tb.Cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		tb.Fatalf("failed to create host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		Dir:      tb.TempDir(),
		listener: listener,
		config:   config,
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.serve()

	tb.Cleanup(s.Close)
	return s
}

// Host returns the address the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Close stops accepting connections.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleSession(channel, requests)
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	var (
		mu  sync.Mutex
		env []string
		cmd *exec.Cmd
	)

	for req := range requests {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				env = append(env, kv.Name+"="+kv.Value)
			}
			reply(req, true)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)

			c := exec.Command("sh", "-c", payload.Command)
			c.Dir = s.Dir
			c.Env = append(os.Environ(), env...)
			c.Stdout = channel
			c.Stderr = channel.Stderr()

			mu.Lock()
			err := c.Start()
			if err == nil {
				cmd = c
			}
			mu.Unlock()

			go func() {
				status := 0
				if err == nil {
					err = c.Wait()
				}
				if err != nil {
					status = 255
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
						status = exitErr.ExitCode()
					}
				}
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
				_ = channel.Close()
			}()

		case "signal":
			mu.Lock()
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			mu.Unlock()
			reply(req, true)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)

			go func() {
				defer channel.Close()
				server, err := sftp.NewServer(channel, sftp.WithServerWorkingDirectory(s.Dir))
				if err != nil {
					return
				}
				_ = server.Serve()
				_ = server.Close()
			}()

		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}
