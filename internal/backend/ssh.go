package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

// SSHConfig describes a bastion the backend is reachable through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

func (c SSHConfig) Enabled() bool { return c.Host != "" }

// SSHDialer forwards backend streams over one SSH client. Each DialContext
// opens a fresh channel, so sessions still get a private stream each.
type SSHDialer struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHDialer(cfg SSHConfig) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 15 * time.Second
	}
	return &SSHDialer{cfg: cfg}
}

// DialContext connects to the bastion on first use, then opens a
// direct-tcpip channel to addr.
func (d *SSHDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := d.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("ssh forward to %s: %w", addr, err)
	}
	return conn, nil
}

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

func (d *SSHDialer) ensureClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	auth, err := buildAuthMethods(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh auth: %w", err)
	}
	hostKey, err := hostKeyCallback(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh host key: %w", err)
	}
	sshCfg := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.ConnTimeout,
	}

	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	d.client = client
	logx.Log.Info().Str("bastion", addr).Str("user", d.cfg.User).Msg("ssh tunnel established")

	go d.monitor(client)
	return client, nil
}

// monitor forgets the client once it dies so the next dial reconnects.
func (d *SSHDialer) monitor(client *ssh.Client) {
	err := client.Wait()
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	logx.Log.Debug().Err(err).Msg("ssh tunnel closed")
}

// ── auth ─────────────────────────────────────────────────────────────

func buildAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}
	if cfg.UseAgent || len(methods) == 0 {
		if m, err := agentAuth(); err == nil {
			methods = append(methods, m)
		} else if cfg.UseAgent {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method available; set ssh.key_path or run an agent")
	}
	return methods, nil
}

func publicKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, errors.New("key is encrypted and stdin is not a terminal")
		}
		fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", keyPath)
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // operator opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}
	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
