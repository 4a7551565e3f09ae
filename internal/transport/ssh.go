package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	rcerr "meshrc/internal/errors"
	"meshrc/util"
)

// SSHConfig holds everything needed to reach the relay through an SSH
// jump host.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// ReadSecret prompts for passwords and key passphrases.  Nil means
	// read from the controlling terminal.
	ReadSecret func(prompt string) ([]byte, error)
}

// SSHDialer routes relay connections through an SSH jump host with
// ssh.Client.Dial.  The SSH connection is established lazily on the
// first Dial and reused for every later one (the control session and
// each tunnel reconnect share it).
type SSHDialer struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDialer creates a dialer that is ready to Dial.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHDialer{config: cfg, logger: logger.Named("jump")}
}

// Dial opens a connection to address through the jump host.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("forwarding %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, rcerr.WrapSSH("forward", d.config.Host, d.config.Port,
			fmt.Errorf("%s: %w", address, err))
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

// connect returns the live SSH client, dialing the jump host if there
// is none.
func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	authMethods, err := BuildAuthMethods(d.config)
	if err != nil {
		return nil, rcerr.WrapSSH("auth", d.config.Host, d.config.Port, err)
	}
	hkCallback, err := hostKeyCallback(d.config)
	if err != nil {
		return nil, rcerr.WrapSSH("hostkey", d.config.Host, d.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            d.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         d.config.ConnTimeout,
	}

	addr := util.FormatAddr(d.config.Host, d.config.Port)
	d.logger.Verbose("connecting to jump host %s as %s", addr, d.config.User)

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, rcerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return nil, rcerr.WrapSSH("handshake", d.config.Host, d.config.Port, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	d.client = client
	go d.monitor(client)

	d.logger.Verbose("jump host %s ready", addr)
	return client, nil
}

// monitor blocks until the SSH connection closes and forgets the
// client so the next Dial reconnects.
func (d *SSHDialer) monitor(client *ssh.Client) {
	err := client.Wait()

	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Debug("jump host connection closed: %v", err)
	} else {
		d.logger.Debug("jump host connection closed")
	}
}
