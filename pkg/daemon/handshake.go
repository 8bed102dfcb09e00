package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

// HandshakeInfo holds the result of a successful handshake, from either
// side's point of view.
type HandshakeInfo struct {
	// Version is the negotiated protocol version: min(local, peer).
	Version uint64
	// DaemonNixVersion is the Nix version string the daemon side reported
	// (present once the negotiated minor version is >= 33).
	DaemonNixVersion string
}

// ServerHandshake performs the server side of the handshake (spec §4.5,
// Opening -> Negotiating -> Options): it validates the client's opening
// magic, advertises this server's version, and negotiates down to
// whichever is older. daemonNixVersion is the string this server reports
// back to clients new enough to ask for one (minor >= 33).
//
// The returned HandshakeInfo.Version is always <= ProtocolVersion: Nix
// does not allow negotiating up to a server-supported version newer than
// what the client asked for, but this implementation always serves
// exactly ProtocolVersion and lets the client down-negotiate, matching
// upstream nix-daemon's behavior of advertising a single fixed version.
func ServerHandshake(conn net.Conn, daemonNixVersion string) (*HandshakeInfo, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	info, err := serverHandshakeWithBufIO(r, w, daemonNixVersion)
	if err != nil {
		return nil, err
	}

	return info, w.Flush()
}

func serverHandshakeWithBufIO(r io.Reader, w *bufio.Writer, daemonNixVersion string) (*HandshakeInfo, error) {
	magic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read client magic", Err: err}
	}

	if magic != ClientMagic {
		return nil, fmt.Errorf("%w: expected magic %#x, got %#x", ErrProtocolMismatch, ClientMagic, magic)
	}

	if err := wire.WriteUint64(w, ServerMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write server magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return nil, &ProtocolError{Op: "handshake write server version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush server greeting", Err: err}
	}

	clientVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read client version", Err: err}
	}

	if clientVersion < MinClientVersion {
		return nil, fmt.Errorf("%w: client version %#x, minimum is %#x", ErrClientTooOld, clientVersion, MinClientVersion)
	}

	negotiated := clientVersion
	if ProtocolVersion < negotiated {
		negotiated = ProtocolVersion
	}

	clientDaemonVersion := VersionFromUint64(clientVersion)

	if clientDaemonVersion.Minor >= 14 {
		if _, err := wire.ReadUint64(r); err != nil { // obsolete cpu affinity
			return nil, &ProtocolError{Op: "handshake read cpu affinity", Err: err}
		}
	}

	if clientDaemonVersion.Minor >= 11 {
		if _, err := wire.ReadUint64(r); err != nil { // obsolete reserve space
			return nil, &ProtocolError{Op: "handshake read reserve space", Err: err}
		}
	}

	negotiatedVersion := VersionFromUint64(negotiated)

	if negotiatedVersion.Minor >= 33 {
		if err := wire.WriteString(w, daemonNixVersion); err != nil {
			return nil, &ProtocolError{Op: "handshake write daemon version", Err: err}
		}
	}

	// Protocol version 1.34 predates the trust-level field introduced in
	// 1.35: the handshake ends here, with the stderr channel's Last frame,
	// and the connection moves to the Options/Running state.
	if err := wire.WriteUint64(w, uint64(LogLast)); err != nil {
		return nil, &ProtocolError{Op: "handshake write last", Err: err}
	}

	return &HandshakeInfo{
		Version:          negotiated,
		DaemonNixVersion: daemonNixVersion,
	}, nil
}

// DialUpstream performs the client side of the handshake against an
// upstream nix-daemon, the second move of proxy mode (spec §4.7): it
// sends ClientMagic, validates the daemon's magic and version, and
// reports clientVersion — the real version this proxy's own downstream
// client just negotiated — so the proxy presents itself to the upstream
// daemon as the genuine client.
func DialUpstream(conn net.Conn, clientVersion uint64) (*HandshakeInfo, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	return dialUpstreamWithBufIO(r, w, clientVersion)
}

func dialUpstreamWithBufIO(r io.Reader, w *bufio.Writer, clientVersion uint64) (*HandshakeInfo, error) {
	if err := wire.WriteUint64(w, ClientMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write client magic", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client magic", Err: err}
	}

	serverMagic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server magic", Err: err}
	}

	if serverMagic != ServerMagic {
		return nil, fmt.Errorf("%w: expected server magic %#x, got %#x", ErrProtocolMismatch, ServerMagic, serverMagic)
	}

	upstreamVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server version", Err: err}
	}

	if upstreamVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: upstream speaks %#x, this proxy speaks %#x", ErrProtocolMismatch, upstreamVersion, ProtocolVersion)
	}

	if err := wire.WriteUint64(w, clientVersion); err != nil {
		return nil, &ProtocolError{Op: "handshake write negotiated version", Err: err}
	}

	if err := wire.WriteUint64(w, 0); err != nil { // obsolete cpu affinity
		return nil, &ProtocolError{Op: "handshake write cpu affinity", Err: err}
	}

	if err := wire.WriteUint64(w, 0); err != nil { // obsolete reserve space
		return nil, &ProtocolError{Op: "handshake write reserve space", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client flags", Err: err}
	}

	daemonVersion, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read daemon version", Err: err}
	}

	last, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read last", Err: err}
	}

	if LogMessageType(last) != LogLast {
		return nil, &ProtocolError{Op: "handshake read last", Err: fmt.Errorf("expected Last frame, got 0x%x", last)}
	}

	negotiated := clientVersion
	if upstreamVersion < negotiated {
		negotiated = upstreamVersion
	}

	return &HandshakeInfo{
		Version:          negotiated,
		DaemonNixVersion: daemonVersion,
	}, nil
}
