package main

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"
)

// listen opens a listener for addr, which is either "unix:<path>" or
// "tcp:<host:port>".
func listen(addr string) (net.Listener, error) {
	network, target, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}

	switch network {
	case "unix", "tcp":
		return net.Listen(network, target)
	default:
		return nil, fmt.Errorf("unsupported --listen scheme %q (want unix: or tcp:)", network)
	}
}

// dialUpstream connects to --upstream, which is either "unix:<path>",
// "tcp:<host:port>", or "exec:<path-to-nix-daemon>" to spawn the real
// nix-daemon binary and speak the protocol over its stdin/stdout, the way
// a setuid-wrapped nix-daemon --stdio invocation works.
func dialUpstream(addr string) (net.Conn, error) {
	network, target, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}

	switch network {
	case "unix", "tcp":
		return net.Dial(network, target)
	case "exec":
		return execConn(target)
	default:
		return nil, fmt.Errorf("unsupported --upstream scheme %q (want unix:, tcp: or exec:)", network)
	}
}

func splitScheme(addr string) (scheme, target string, err error) {
	i := strings.IndexByte(addr, ':')
	if i < 0 {
		return "", "", fmt.Errorf("address %q missing a scheme (unix:, tcp: or exec:)", addr)
	}

	return addr[:i], addr[i+1:], nil
}

// execConn spawns path (plus "--stdio", the flag real nix-daemon uses to
// speak the worker protocol over standard streams instead of a socket)
// and adapts its stdin/stdout pipes to a net.Conn.
func execConn(path string) (net.Conn, error) {
	cmd := exec.Command(path, "--stdio")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &pipeConn{r: stdout, w: stdin, cmd: cmd}, nil
}

// pipeConn adapts a spawned process's stdin/stdout pipes to net.Conn, the
// shape daemon.NewProxy needs for its upstream side. Only Read, Write and
// Close are meaningful; the deadline and address methods are no-ops, since
// a pipe has neither.
type pipeConn struct {
	r   io.ReadCloser
	w   io.WriteCloser
	cmd *exec.Cmd
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()

	if werr != nil {
		return werr
	}

	return rerr
}

func (p *pipeConn) LocalAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr              { return pipeAddr{} }
func (p *pipeConn) SetDeadline(_ time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(_ time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
