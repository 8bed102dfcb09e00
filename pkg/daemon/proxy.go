package daemon

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/nsf/jsondiff"

	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

// Proxy bridges a downstream client connection to an upstream nix-daemon
// process, forwarding every operation while verifying that decoding and
// re-encoding each typed message reproduces the exact bytes observed on
// the wire (spec §4.7). A mismatch indicates a codec bug and aborts the
// connection with ErrCodecMismatch rather than silently forwarding
// corrupted bytes.
type Proxy struct {
	down     net.Conn
	up       net.Conn
	dr       *bufio.Reader
	dw       *bufio.Writer
	ur       *bufio.Reader
	uw       *bufio.Writer
	downInfo *HandshakeInfo
	upInfo   *HandshakeInfo
}

// NewProxy completes both halves of the double handshake (spec §4.7 steps
// 1-2), downstream first: the client's real negotiated version is only
// known once ServerHandshake returns, and spec §4.7 step 2 requires
// forwarding that real version upstream rather than the proxy's own.
// daemonNixVersion is what this proxy advertises to its downstream client.
func NewProxy(down, up net.Conn, daemonNixVersion string) (*Proxy, error) {
	downInfo, err := ServerHandshake(down, daemonNixVersion)
	if err != nil {
		return nil, fmt.Errorf("proxy: downstream handshake: %w", err)
	}

	upInfo, err := DialUpstream(up, downInfo.Version)
	if err != nil {
		return nil, fmt.Errorf("proxy: upstream handshake: %w", err)
	}

	return &Proxy{
		down:     down,
		up:       up,
		dr:       bufio.NewReader(down),
		dw:       bufio.NewWriter(down),
		ur:       bufio.NewReader(up),
		uw:       bufio.NewWriter(up),
		downInfo: downInfo,
		upInfo:   upInfo,
	}, nil
}

// Run pumps operations between downstream and upstream until either side
// disconnects. It returns nil on a clean downstream disconnect between
// operations, and a non-nil error for anything else, including
// ErrCodecMismatch.
func (p *Proxy) Run() error {
	for {
		if _, err := p.dr.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return &ProtocolError{Op: "proxy read opcode", Err: err}
		}

		if err := p.relayOne(); err != nil {
			return err
		}
	}
}

// relayOne forwards a single operation: the request (and its framed source,
// if any) downstream-to-upstream, then the stderr channel and typed reply
// upstream-to-downstream.
func (p *Proxy) relayOne() error {
	opRaw, err := wire.ReadUint64(p.dr)
	if err != nil {
		return &ProtocolError{Op: "proxy read opcode", Err: err}
	}

	op := Operation(opRaw)

	// QueryPathInfo is special-cased: its reply codec needs the request
	// path (queryPathInfoReplyCodec), which no other opcode's does.
	var reqPath string

	var schema opSchema

	switch op {
	case OpQueryPathInfo, OpNarFromPath:
		schema = opSchema{request: pathCodec()}
	default:
		var ok bool

		schema, ok = opSchemas[op]
		if !ok {
			return fmt.Errorf("%w: opcode %d", ErrUnknownOpcode, op)
		}
	}

	if err := wire.WriteUint64(p.uw, opRaw); err != nil {
		return &ProtocolError{Op: op.String() + " proxy forward opcode", Err: err}
	}

	if schema.request != nil {
		value, err := relayMessage(p.dr, p.uw, schema.request, op.String()+" request")
		if err != nil {
			return err
		}

		if op == OpQueryPathInfo {
			reqPath = value.(string)
		}
	}

	if op.IsFramed() {
		if err := relayFramed(p.dr, p.uw); err != nil {
			return err
		}
	}

	if err := p.uw.Flush(); err != nil {
		return &ProtocolError{Op: op.String() + " proxy flush upstream", Err: err}
	}

	if err := relayStderr(p.ur, p.dw); err != nil {
		return err
	}

	switch {
	case op == OpQueryPathInfo:
		if _, err := relayMessage(p.ur, p.dw, queryPathInfoReplyCodec(reqPath), op.String()+" reply"); err != nil {
			return err
		}
	case op == OpNarFromPath:
		// The NAR body is an opaque, self-delimiting byte stream (spec
		// §6.2 note on NarFromPath); CopyNAR relays it verbatim while
		// using its structure to find the end, rather than decoding and
		// re-encoding typed fields.
		if err := CopyNAR(p.dw, p.ur); err != nil {
			return &ProtocolError{Op: "proxy relay NAR body", Err: err}
		}
	case schema.reply != nil:
		if _, err := relayMessage(p.ur, p.dw, schema.reply, op.String()+" reply"); err != nil {
			return err
		}
	}

	if err := p.dw.Flush(); err != nil {
		return &ProtocolError{Op: op.String() + " proxy flush downstream", Err: err}
	}

	return nil
}

// msgCodec decodes one typed message off a reader into an opaque value and
// re-encodes that value; relayMessage uses the pair to assert a decode
// followed by re-encode reproduces the original bytes.
type msgCodec struct {
	decode func(io.Reader) (any, error)
	encode func(io.Writer, any) error
}

// opSchema describes one opcode's wire shape: its request codec (nil if the
// opcode takes no request body) and its reply codec (nil if the opcode has no typed reply,
// including handler-error cases where the reply is never sent at all).
type opSchema struct {
	request *msgCodec
	reply   *msgCodec
}

// relayMessage reads one message according to codec off src, capturing
// every byte consumed, re-encodes the decoded value, and asserts the
// re-encoding matches the capture before writing the capture to dst and
// returning the decoded value. This is the codec fidelity check spec §4.7
// requires of both directions.
func relayMessage(src io.Reader, dst io.Writer, codec *msgCodec, opDesc string) (any, error) {
	var captured bytes.Buffer

	tee := io.TeeReader(src, &captured)

	value, err := codec.decode(tee)
	if err != nil {
		return nil, &ProtocolError{Op: "proxy decode " + opDesc, Err: err}
	}

	var reencoded bytes.Buffer
	if err := codec.encode(&reencoded, value); err != nil {
		return nil, &ProtocolError{Op: "proxy re-encode " + opDesc, Err: err}
	}

	if !bytes.Equal(captured.Bytes(), reencoded.Bytes()) {
		return nil, fmt.Errorf("%w: %s: %s", ErrCodecMismatch, opDesc, diffBytes(captured.Bytes(), reencoded.Bytes()))
	}

	if _, err := dst.Write(captured.Bytes()); err != nil {
		return nil, err
	}

	return value, nil
}

// diffBytes renders a human-readable diff between the bytes observed on the
// wire and the bytes a decode-then-reencode round trip produced, each shown
// as a flat JSON array of byte values so jsondiff can align them.
func diffBytes(got, want []byte) string {
	toJSON := func(b []byte) []byte {
		var buf bytes.Buffer

		buf.WriteByte('[')

		for i, v := range b {
			if i > 0 {
				buf.WriteByte(',')
			}

			fmt.Fprintf(&buf, "%d", v)
		}

		buf.WriteByte(']')

		return buf.Bytes()
	}

	diff, report := jsondiff.Compare(toJSON(got), toJSON(want), &jsondiff.Options{})
	if diff == jsondiff.FullMatch {
		return "byte diff unavailable"
	}

	return report
}

// relayFramed copies a framed source verbatim (spec §4.7: framed bytes are
// streamed through, not decoded) from src to dst, chunk by chunk, so it
// works even for payloads too large to buffer.
func relayFramed(src io.Reader, dst io.Writer) error {
	for {
		length, err := wire.ReadUint64(src)
		if err != nil {
			return &ProtocolError{Op: "proxy read framed chunk length", Err: err}
		}

		if err := wire.WriteUint64(dst, length); err != nil {
			return &ProtocolError{Op: "proxy forward framed chunk length", Err: err}
		}

		if length == 0 {
			return nil
		}

		if _, err := io.CopyN(dst, src, int64(length)); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrTruncatedFramedSource
			}

			return &ProtocolError{Op: "proxy relay framed chunk", Err: err}
		}
	}
}

// relayStderr forwards stderr-channel frames verbatim from src to dst until
// and including Last. Frame bodies beyond the opcode are relayed by byte
// count rather than schema-checked: spec §4.3/§6.3 require the codec
// fidelity check only at the request/reply boundary, not within stderr
// frame bodies.
func relayStderr(src io.Reader, dst io.Writer) error {
	for {
		msgType, err := wire.ReadUint64(src)
		if err != nil {
			return &ProtocolError{Op: "proxy read stderr opcode", Err: err}
		}

		if err := wire.WriteUint64(dst, msgType); err != nil {
			return &ProtocolError{Op: "proxy forward stderr opcode", Err: err}
		}

		if LogMessageType(msgType) == LogLast {
			return nil
		}

		if err := relayStderrBody(src, dst, LogMessageType(msgType)); err != nil {
			return err
		}
	}
}

// relayStderrBody copies one stderr frame's body from src to dst. It reuses
// the existing stderr-body parsers to find the byte boundary of each
// frame, discarding the parsed values: only the boundary matters here.
func relayStderrBody(src io.Reader, dst io.Writer, msgType LogMessageType) error {
	var captured bytes.Buffer

	tee := io.TeeReader(src, &captured)

	var err error

	switch msgType {
	case LogError:
		// readDaemonError stops at the body's end without consuming the
		// Last frame that follows; relayStderr's own loop reads that next.
		_, err = readDaemonError(tee)
	case LogNext:
		_, err = wire.ReadString(tee, MaxStringSize)
	case LogStartActivity:
		_, err = readActivity(tee)
	case LogStopActivity:
		_, err = wire.ReadUint64(tee)
	case LogResult:
		_, err = readActivityResult(tee)
	case LogRead, LogWrite:
		_, err = wire.ReadUint64(tee)
	default:
		err = fmt.Errorf("%w: stderr opcode 0x%x", ErrUnknownTag, uint64(msgType))
	}

	if err != nil {
		return &ProtocolError{Op: "proxy read stderr body", Err: err}
	}

	_, err = dst.Write(captured.Bytes())

	return err
}

// --- per-opcode schemas ---
//
// Each codec operates on the exact set of fields the corresponding Client/
// Conn method already reads and writes (pkg/daemon/client.go, server.go):
// these are the authoritative wire shapes for this implementation, which in
// a few cases (noted inline) are narrower than a literal reading of the
// opcode table. Composite messages use small unexported struct types so
// every wire field -- including deprecated ones that must round-trip
// unchanged -- survives the decode/encode cycle intact.

func pathCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return wire.ReadString(r, MaxStringSize) },
		encode: func(w io.Writer, v any) error { return wire.WriteString(w, v.(string)) },
	}
}

func u64Codec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return wire.ReadUint64(r) },
		encode: func(w io.Writer, v any) error { return wire.WriteUint64(w, v.(uint64)) },
	}
}

func boolCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return wire.ReadBool(r) },
		encode: func(w io.Writer, v any) error { return wire.WriteBool(w, v.(bool)) },
	}
}

func pathSetCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return ReadStrings(r, MaxStringSize) },
		encode: func(w io.Writer, v any) error { return WriteStrings(w, v.([]string)) },
	}
}

func pathMapCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return ReadStringMap(r, MaxStringSize) },
		encode: func(w io.Writer, v any) error { return WriteStringMap(w, v.(map[string]string)) },
	}
}

// buildPathsReq is the request shape shared by BuildPaths and
// BuildPathsWithResults: a path set followed by a build mode.
type buildPathsReq struct {
	paths []string
	mode  BuildMode
}

func buildPathsReqCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			paths, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			modeRaw, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			return buildPathsReq{paths: paths, mode: BuildMode(modeRaw)}, nil
		},
		encode: func(w io.Writer, v any) error {
			req := v.(buildPathsReq)
			if err := WriteStrings(w, req.paths); err != nil {
				return err
			}

			return wire.WriteUint64(w, uint64(req.mode))
		},
	}
}

// addToStoreReq is OpAddToStore's non-framed request prefix (server.go).
type addToStoreReq struct {
	name, camStr string
	refs         []string
	repair       bool
}

func addToStoreReqCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			name, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			camStr, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			refs, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			repair, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			return addToStoreReq{name: name, camStr: camStr, refs: refs, repair: repair}, nil
		},
		encode: func(w io.Writer, v any) error {
			req := v.(addToStoreReq)
			if err := wire.WriteString(w, req.name); err != nil {
				return err
			}

			if err := wire.WriteString(w, req.camStr); err != nil {
				return err
			}

			if err := WriteStrings(w, req.refs); err != nil {
				return err
			}

			return wire.WriteBool(w, req.repair)
		},
	}
}

// addToStoreReplyCodec mirrors AddToStore's reply: a ValidPathInfoWithPath
// record, store path first (spec §6.2's {path, info} pair, scenario D). No
// Handlers.AddToStore caller in this implementation can answer this shape
// today (see DESIGN.md), but a real upstream nix-daemon always sends it, so
// proxy mode must still relay and fidelity-check it.
func addToStoreReplyCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			path, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			return ReadPathInfo(r, path)
		},
		encode: func(w io.Writer, v any) error { return WritePathInfo(w, v.(*PathInfo)) },
	}
}

func clientSettingsCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return ReadClientSettings(r, MaxStringSize) },
		encode: func(w io.Writer, v any) error { return WriteClientSettings(w, v.(*ClientSettings)) },
	}
}

// gcOptionsReq mirrors readGCOptions (server.go) exactly, including the
// three deprecated trailing fields, so a non-zero value a real client sends
// there still round-trips.
type gcOptionsReq struct {
	opts       *GCOptions
	deprecated [3]uint64
}

func gcOptionsReqCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			actionRaw, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			pathsToDelete, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			ignoreLiveness, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			maxFreed, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			var req gcOptionsReq

			for i := range req.deprecated {
				if req.deprecated[i], err = wire.ReadUint64(r); err != nil {
					return nil, err
				}
			}

			req.opts = &GCOptions{
				Action:         GCAction(actionRaw),
				PathsToDelete:  pathsToDelete,
				IgnoreLiveness: ignoreLiveness,
				MaxFreed:       maxFreed,
			}

			return req, nil
		},
		encode: func(w io.Writer, v any) error {
			req := v.(gcOptionsReq)
			if err := wire.WriteUint64(w, uint64(req.opts.Action)); err != nil {
				return err
			}

			if err := WriteStrings(w, req.opts.PathsToDelete); err != nil {
				return err
			}

			if err := wire.WriteBool(w, req.opts.IgnoreLiveness); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, req.opts.MaxFreed); err != nil {
				return err
			}

			for _, d := range req.deprecated {
				if err := wire.WriteUint64(w, d); err != nil {
					return err
				}
			}

			return nil
		},
	}
}

// gcResultReply mirrors CollectGarbage's reply in client.go: a path set, a
// byte count, and one deprecated trailing field.
type gcResultReply struct {
	result     *GCResult
	deprecated uint64
}

func gcResultReplyCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			paths, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			bytesFreed, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			deprecated, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			return gcResultReply{
				result:     &GCResult{Paths: paths, BytesFreed: bytesFreed},
				deprecated: deprecated,
			}, nil
		},
		encode: func(w io.Writer, v any) error {
			reply := v.(gcResultReply)
			if err := WriteStrings(w, reply.result.Paths); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, reply.result.BytesFreed); err != nil {
				return err
			}

			return wire.WriteUint64(w, reply.deprecated)
		},
	}
}

func verifyStoreReqCodec() *msgCodec {
	type req struct{ checkContents, repair bool }

	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			checkContents, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			repair, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			return req{checkContents: checkContents, repair: repair}, nil
		},
		encode: func(w io.Writer, v any) error {
			rq := v.(req)
			if err := wire.WriteBool(w, rq.checkContents); err != nil {
				return err
			}

			return wire.WriteBool(w, rq.repair)
		},
	}
}

func buildDerivationReqCodec() *msgCodec {
	type req struct {
		drvPath string
		drv     *Derivation
		mode    BuildMode
	}

	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			drvPath, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			drv, err := ReadDerivation(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			modeRaw, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			return req{drvPath: drvPath, drv: drv, mode: BuildMode(modeRaw)}, nil
		},
		encode: func(w io.Writer, v any) error {
			rq := v.(req)
			if err := wire.WriteString(w, rq.drvPath); err != nil {
				return err
			}

			if err := WriteDerivation(w, rq.drv); err != nil {
				return err
			}

			return wire.WriteUint64(w, uint64(rq.mode))
		},
	}
}

func buildResultCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) { return ReadBuildResult(r) },
		encode: func(w io.Writer, v any) error { return WriteBuildResult(w, v.(*BuildResult)) },
	}
}

func addSignaturesReqCodec() *msgCodec {
	type req struct {
		path string
		sigs []string
	}

	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			path, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			sigs, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			return req{path: path, sigs: sigs}, nil
		},
		encode: func(w io.Writer, v any) error {
			rq := v.(req)
			if err := wire.WriteString(w, rq.path); err != nil {
				return err
			}

			return WriteStrings(w, rq.sigs)
		},
	}
}

// queryPathInfoReply mirrors client.go's QueryPathInfo: a found flag
// followed by an unkeyed ValidPathInfo record (no store path field, unlike
// WritePathInfo's keyed AddToStoreNar-style encoding) when found is true.
func queryPathInfoReplyCodec(path string) *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			found, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			if !found {
				return (*PathInfo)(nil), nil
			}

			return ReadPathInfo(r, path)
		},
		encode: func(w io.Writer, v any) error {
			info, _ := v.(*PathInfo)
			if info == nil {
				return wire.WriteBool(w, false)
			}

			if err := wire.WriteBool(w, true); err != nil {
				return err
			}

			return WriteUnkeyedPathInfo(w, info)
		},
	}
}

func queryMissingReplyCodec() *msgCodec {
	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			willBuild, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			willSubstitute, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			unknown, err := ReadStrings(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			downloadSize, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			narSize, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			return &MissingInfo{
				WillBuild:      willBuild,
				WillSubstitute: willSubstitute,
				Unknown:        unknown,
				DownloadSize:   downloadSize,
				NarSize:        narSize,
			}, nil
		},
		encode: func(w io.Writer, v any) error {
			info := v.(*MissingInfo)
			if err := WriteStrings(w, info.WillBuild); err != nil {
				return err
			}

			if err := WriteStrings(w, info.WillSubstitute); err != nil {
				return err
			}

			if err := WriteStrings(w, info.Unknown); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, info.DownloadSize); err != nil {
				return err
			}

			return wire.WriteUint64(w, info.NarSize)
		},
	}
}

// derivationOutputMapReplyCodec mirrors QueryDerivationOutputMap's reply,
// which this implementation sends as a string map (server.go), not the
// literal pair-list the opcode table describes.
//
// WriteStringMap sorts keys before writing (codec.go): a genuine
// nix-daemon reply with unsorted keys would fail this fidelity check. This
// is an accepted limitation of proxy mode rather than a bug in this
// codec -- see DESIGN.md.
func derivationOutputMapReplyCodec() *msgCodec {
	return pathMapCodec()
}

func buildPathsWithResultsReplyCodec() *msgCodec {
	type entry struct {
		derivedPath string
		result      *BuildResult
	}

	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			count, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}

			entries := make([]entry, count)

			for i := range entries {
				derivedPath, err := wire.ReadString(r, MaxStringSize)
				if err != nil {
					return nil, err
				}

				res, err := ReadBuildResult(r)
				if err != nil {
					return nil, err
				}

				entries[i] = entry{derivedPath: derivedPath, result: res}
			}

			return entries, nil
		},
		encode: func(w io.Writer, v any) error {
			entries := v.([]entry)
			if err := wire.WriteUint64(w, uint64(len(entries))); err != nil {
				return err
			}

			for _, e := range entries {
				if err := wire.WriteString(w, e.derivedPath); err != nil {
					return err
				}

				if err := WriteBuildResult(w, e.result); err != nil {
					return err
				}
			}

			return nil
		},
	}
}

func addToStoreNarReqCodec() *msgCodec {
	type req struct {
		info                  *PathInfo
		repair, dontCheckSigs bool
	}

	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			path, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, err
			}

			info, err := ReadPathInfo(r, path)
			if err != nil {
				return nil, err
			}

			repair, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			dontCheckSigs, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			return req{info: info, repair: repair, dontCheckSigs: dontCheckSigs}, nil
		},
		encode: func(w io.Writer, v any) error {
			rq := v.(req)
			if err := WritePathInfo(w, rq.info); err != nil {
				return err
			}

			if err := wire.WriteBool(w, rq.repair); err != nil {
				return err
			}

			return wire.WriteBool(w, rq.dontCheckSigs)
		},
	}
}

func addMultipleToStoreReqCodec() *msgCodec {
	type req struct{ repair, dontCheckSigs bool }

	return &msgCodec{
		decode: func(r io.Reader) (any, error) {
			repair, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			dontCheckSigs, err := wire.ReadBool(r)
			if err != nil {
				return nil, err
			}

			return req{repair: repair, dontCheckSigs: dontCheckSigs}, nil
		},
		encode: func(w io.Writer, v any) error {
			rq := v.(req)
			if err := wire.WriteBool(w, rq.repair); err != nil {
				return err
			}

			return wire.WriteBool(w, rq.dontCheckSigs)
		},
	}
}

// opSchemas maps every opcode this implementation supports to its wire
// schema. QueryPathInfo is intentionally absent: its reply codec needs the
// request path, so relayOne special-cases it. NarFromPath is absent for the
// same reason covered in relayOne (opaque NAR body, no reply codec).
var opSchemas = map[Operation]opSchema{
	OpIsValidPath:           {request: pathCodec(), reply: boolCodec()},
	OpQueryReferrers:        {request: pathCodec(), reply: pathSetCodec()},
	OpAddToStore:            {request: addToStoreReqCodec(), reply: addToStoreReplyCodec()},
	OpBuildPaths:            {request: buildPathsReqCodec(), reply: u64Codec()},
	OpEnsurePath:            {request: pathCodec(), reply: u64Codec()},
	OpAddTempRoot:           {request: pathCodec(), reply: u64Codec()},
	OpFindRoots:             {reply: pathMapCodec()},
	OpSetOptions:            {request: clientSettingsCodec()},
	OpCollectGarbage:        {request: gcOptionsReqCodec(), reply: gcResultReplyCodec()},
	OpQueryAllValidPaths:    {reply: pathSetCodec()},
	OpQueryPathFromHashPart: {request: pathCodec(), reply: pathCodec()},
	// buildPathsReqCodec's trailing field decodes as a plain u64, so it
	// doubles here for QueryValidPaths' (paths, useSubstitutes bool) shape.
	OpQueryValidPaths:          {request: buildPathsReqCodec(), reply: pathSetCodec()},
	OpQuerySubstitutablePaths:  {request: pathSetCodec(), reply: pathSetCodec()},
	OpQueryValidDerivers:       {request: pathCodec(), reply: pathSetCodec()},
	OpOptimiseStore:            {reply: u64Codec()},
	OpVerifyStore:              {request: verifyStoreReqCodec(), reply: boolCodec()},
	OpBuildDerivation:          {request: buildDerivationReqCodec(), reply: buildResultCodec()},
	OpAddSignatures:            {request: addSignaturesReqCodec(), reply: u64Codec()},
	OpAddToStoreNar:            {request: addToStoreNarReqCodec()},
	OpQueryMissing:             {request: pathSetCodec(), reply: queryMissingReplyCodec()},
	OpQueryDerivationOutputMap: {request: pathCodec(), reply: derivationOutputMapReplyCodec()},
	OpRegisterDrvOutput:        {request: pathCodec()},
	OpQueryRealisation:         {request: pathCodec(), reply: pathSetCodec()},
	OpAddMultipleToStore:       {request: addMultipleToStoreReqCodec()},
	OpAddBuildLog:              {request: pathCodec(), reply: u64Codec()},
	OpBuildPathsWithResults:    {request: buildPathsReqCodec(), reply: buildPathsWithResultsReplyCodec()},
}
