package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultConnectTimeout = 3 * time.Second

// SSHConfig carries what an SSH transport needs to dial and authenticate.
// Mirrors config.SSHConfig but transport-local so this package doesn't
// import the config package.
type SSHConfig struct {
	Host                  string
	Port                  int
	Username              string
	Password              string
	PrivateKeyPath        string
	ConnectTimeoutSeconds int
	SessionTimeoutSeconds int
}

// SSH runs a script on a remote host over golang.org/x/crypto/ssh: dial
// with a connect timeout, authenticate by password or private key, pipe
// the script into a remote shell via stdin, and stream stdout/stderr
// concurrently.
type SSH struct {
	cfg SSHConfig
}

// NewSSH returns an SSH transport for cfg. Dialing happens per Execute
// call rather than being held open, matching the one-shot-per-step shape
// of the pipeline engine's fan-out.
func NewSSH(cfg SSHConfig) *SSH {
	return &SSH{cfg: cfg}
}

func (s *SSH) Close() error { return nil }

func (s *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	switch {
	case s.cfg.Password != "":
		methods = append(methods, ssh.Password(s.cfg.Password))
	case s.cfg.PrivateKeyPath != "":
		keyData, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, ioErr("read private key", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, transportErr("parse private key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	default:
		return nil, transportErr("select auth method", fmt.Errorf("no password or private_key_path configured for %s", s.cfg.Host))
	}
	return methods, nil
}

func (s *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	auths, err := s.authMethods()
	if err != nil {
		return nil, err
	}

	connectTimeout := defaultConnectTimeout
	if s.cfg.ConnectTimeoutSeconds > 0 {
		connectTimeout = time.Duration(s.cfg.ConnectTimeoutSeconds) * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auths,
		Timeout:         connectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialer := net.Dialer{Timeout: connectTimeout}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			resultCh <- dialResult{nil, transportErr("dial", err)}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			resultCh <- dialResult{nil, transportErr("handshake", err)}
			return
		}
		resultCh <- dialResult{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	select {
	case r := <-resultCh:
		return r.client, r.err
	case <-ctx.Done():
		return nil, timeoutErr("dial", ctx.Err())
	}
}

// Execute opens a connection, pipes req.ScriptContent into a remote shell
// via stdin, streams stdout/stderr line by line, and retrieves the exit
// status.
func (s *SSH) Execute(ctx context.Context, req Request) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, stepTimeout(req.Timeout))
	defer cancel()

	client, err := s.dial(timeoutCtx)
	if err != nil {
		if timeoutCtx.Err() != nil {
			return timeoutResult(req, "connect"), nil
		}
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, transportErr("open session", err)
	}
	defer session.Close()

	for k, v := range req.Env {
		// Best effort: most sshd configs reject arbitrary SetEnv requests
		// unless AcceptEnv is configured, and ScriptContent carries no
		// export prelude, so on such hosts these values are not in the
		// remote environment (they still reach the script through {{ }}
		// substitution). Errors here are intentionally ignored.
		_ = session.Setenv(k, v)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return Result{}, transportErr("open stdin", err)
	}
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return Result{}, transportErr("open stdout", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return Result{}, transportErr("open stderr", err)
	}

	if err := session.Shell(); err != nil {
		return Result{}, transportErr("start remote shell", err)
	}

	var stdoutBuf, stderrBuf safeBuilder
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdoutPipe, Stdout, req.OnLine, &stdoutBuf)
	go streamLines(&wg, stderrPipe, Stderr, req.OnLine, &stderrBuf)

	if _, err := io.WriteString(stdin, req.ScriptContent); err != nil {
		return Result{}, transportErr("write script to stdin", err)
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case waitErr := <-done:
		wg.Wait()
		return resultFromWait(waitErr, stdoutBuf.String(), stderrBuf.String())
	case <-timeoutCtx.Done():
		session.Signal(ssh.SIGKILL)
		wg.Wait()
		return timeoutResult(req, "session"), nil
	}
}

func resultFromWait(waitErr error, stdout, stderr string) (Result, error) {
	if waitErr == nil {
		return Result{Success: true, Stdout: stdout, Stderr: stderr, ExitCode: 0}, nil
	}
	if exitErr, ok := waitErr.(*ssh.ExitError); ok {
		code := exitErr.ExitStatus()
		return Result{
			Success:      false,
			Stdout:       stdout,
			Stderr:       stderr,
			ExitCode:     code,
			ErrorMessage: fmt.Sprintf("script exited with code %d", code),
		}, nil
	}
	return Result{}, transportErr("await remote command", waitErr)
}

func timeoutResult(req Request, stage string) Result {
	return Result{
		Success:      false,
		ExitCode:     -1,
		ErrorMessage: fmt.Sprintf("ssh %s timed out after %s", stage, stepTimeout(req.Timeout)),
	}
}
