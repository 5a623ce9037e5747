package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	ncerr "ztelnet/internal/errors"
	"ztelnet/util"
)

// SSHConfig describes the jump host that connections are forwarded
// through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	Timeout       time.Duration

	// ReadSecret prompts for a password or passphrase.  Defaults to
	// reading from the terminal without echo.
	ReadSecret func(prompt string) ([]byte, error)
}

// SSHDialer forwards every Dial through one SSH client connection to the
// jump host.  The SSH session is established on the first Dial and
// re-established if it has dropped in the meantime.
type SSHDialer struct {
	config SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
	alive  bool
}

// NewSSHDialer returns a dialer for the jump host in cfg.
func NewSSHDialer(cfg SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ReadSecret == nil {
		cfg.ReadSecret = terminalSecret
	}
	return &SSHDialer{config: cfg, logger: logger.With("ssh")}
}

// Dial opens address on the far side of the jump host.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("forwarding %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.WrapSSH("dial", d.config.Host, d.config.Port, err)
	}
	return conn, nil
}

// Close tears down the SSH session.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive = false
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	if err != nil && !util.IsHarmless(err) {
		return err
	}
	return nil
}

func (d *SSHDialer) session(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.alive && d.client != nil {
		return d.client, nil
	}

	cfg := d.config
	auth, err := authMethods(&cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hostKey, err := hostKeyCallback(&cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d.logger.Verbose("dialing jump host %s as %q", addr, cfg.User)

	nd := net.Dialer{Timeout: cfg.Timeout}
	tcpConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		tcpConn.SetDeadline(deadline) //nolint:errcheck
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		tcpConn.Close()
		// x/crypto reports rejected credentials only through the message.
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, ncerr.WrapSSH("auth", cfg.Host, cfg.Port, fmt.Errorf("%w: %v", ncerr.ErrAuthFailed, err))
		}
		return nil, ncerr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)
	d.client, d.alive = client, true

	go func() {
		err := client.Wait()
		d.mu.Lock()
		if d.client == client {
			d.alive = false
		}
		d.mu.Unlock()
		d.logger.Debug("jump host session ended: %v", err)
	}()
	return client, nil
}

// ── authentication ───────────────────────────────────────────────────

// authMethods assembles the SSH auth methods in order: key file, agent,
// password.  With none requested it falls back to the agent and the
// usual key files.
func authMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		m, err := keyFileAuth(cfg.KeyPath, cfg.ReadSecret)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}
	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}
	if cfg.PromptPass {
		read := cfg.ReadSecret
		user, host := cfg.User, cfg.Host
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			pass, err := read(fmt.Sprintf("%s@%s's password: ", user, host))
			return string(pass), err
		}))
	}

	if len(methods) == 0 {
		methods = fallbackAuth()
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication methods available – use --ssh-key, --ssh-password, or --ssh-agent")
	}
	return methods, nil
}

func keyFileAuth(path string, read func(string) ([]byte, error)) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if _, encrypted := err.(*ssh.PassphraseMissingError); encrypted && read != nil {
		pass, perr := read(fmt.Sprintf("Enter passphrase for %s: ", path))
		if perr != nil {
			return nil, fmt.Errorf("reading passphrase: %w", perr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func fallbackAuth() []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		if m, err := keyFileAuth(filepath.Join(home, ".ssh", name), nil); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func terminalSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // user opted out
	}
	file := cfg.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", file, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return fmt.Errorf("%w: %v", ncerr.ErrHostKeyMismatch, err)
		}
		return nil
	}, nil
}
