package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

// Conn serves one worker-protocol connection against a Handlers
// implementation (spec §4.5, the Running state once handshake and options
// have completed). A Conn is not safe for concurrent use from multiple
// goroutines beyond what Serve itself starts.
type Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	mu       sync.Mutex
	handlers Handlers
	info     *HandshakeInfo
	settings *ClientSettings
}

// NewConn performs the server handshake over conn and returns a Conn ready
// for Serve. daemonNixVersion is reported to clients new enough to ask for
// one.
func NewConn(conn net.Conn, handlers Handlers, daemonNixVersion string) (*Conn, error) {
	info, err := ServerHandshake(conn, daemonNixVersion)
	if err != nil {
		return nil, err
	}

	return &Conn{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		handlers: handlers,
		info:     info,
		settings: DefaultClientSettings(),
	}, nil
}

// Info returns the negotiated handshake information.
func (c *Conn) Info() *HandshakeInfo {
	return c.info
}

// Settings returns the most recently received SetOptions settings, or the
// package defaults if the client never sent one.
func (c *Conn) Settings() *ClientSettings {
	return c.settings
}

// Serve reads and dispatches operations until the client disconnects or an
// unrecoverable protocol error occurs. A clean disconnect (EOF between
// operations) returns nil; anything else returns the error that ended the
// connection (spec §4.5, Running -> Closed).
func (c *Conn) Serve() error {
	for {
		// Peek rather than reading the opcode directly: wire.ReadUint64
		// turns a clean EOF into io.ErrUnexpectedEOF (a partial read of a
		// u64 is always a protocol error), so a graceful disconnect
		// between operations has to be detected before that point.
		if _, err := c.r.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return &ProtocolError{Op: "read opcode", Err: err}
		}

		op, err := wire.ReadUint64(c.r)
		if err != nil {
			return &ProtocolError{Op: "read opcode", Err: err}
		}

		if err := c.dispatch(Operation(op)); err != nil {
			return err
		}
	}
}

// replyFunc writes an operation's typed reply to the connection. It runs
// only after the stderr channel's terminating Last frame, and only when
// the handler didn't fail.
type replyFunc func(w *bufio.Writer) error

// dispatch decodes one operation, runs its handler, and writes the
// stderr-then-reply sequence spec §4.4 requires: any progress frames the
// handler emits via sw, an Error frame if it failed, the Last frame, and
// finally (on success) the typed reply. It returns a non-nil error only
// when the connection itself can no longer continue.
func (c *Conn) dispatch(op Operation) error {
	sw := NewStderrWriter(c.w, &c.mu)
	sw.SetVerbosity(c.settings.Verbosity)

	reply, herr, err := c.dispatchLocked(op, sw)
	if err != nil {
		return err
	}

	if herr != nil {
		if err := sw.Error(&herr.DaemonError); err != nil {
			return &ProtocolError{Op: op.String() + " write error frame", Err: err}
		}
	}

	if err := sw.last(); err != nil {
		return &ProtocolError{Op: op.String() + " write last", Err: err}
	}

	if herr == nil && reply != nil {
		c.mu.Lock()
		err := reply(c.w)
		c.mu.Unlock()

		if err != nil {
			return &ProtocolError{Op: op.String() + " write reply", Err: err}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.w.Flush()
}

// dispatchLocked reads the request and calls the matching Handlers method.
// Handler calls happen here, before the stderr Last frame, so any progress
// the handler reports via sw is correctly ordered ahead of it; the typed
// reply itself is deferred to the returned replyFunc, which the caller
// invokes only after Last.
//
//nolint:cyclop,gocyclo // one case per opcode, not meaningfully decomposable
func (c *Conn) dispatchLocked(op Operation, sw *StderrWriter) (replyFunc, *HandlerError, error) {
	r := c.r

	switch op {
	case OpIsValidPath:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "IsValidPath read path", Err: err}
		}

		valid, herr := callH2(c.handlers.IsValidPath, sw, path)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteBool(w, valid) }, nil, nil

	case OpQueryPathInfo:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryPathInfo read path", Err: err}
		}

		info, herr := callH2(c.handlers.QueryPathInfo, sw, path)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error {
			if info == nil {
				return wire.WriteBool(w, false)
			}

			if err := wire.WriteBool(w, true); err != nil {
				return err
			}

			return WriteUnkeyedPathInfo(w, info)
		}, nil, nil

	case OpQueryPathFromHashPart:
		hashPart, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryPathFromHashPart read hashPart", Err: err}
		}

		path, herr := callH2(c.handlers.QueryPathFromHashPart, sw, hashPart)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteString(w, path) }, nil, nil

	case OpQueryAllValidPaths:
		paths, herr := callH1(c.handlers.QueryAllValidPaths, sw)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStrings(w, paths) }, nil, nil

	case OpQueryValidPaths:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryValidPaths read paths", Err: err}
		}

		substituteOk, err := wire.ReadBool(r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryValidPaths read substituteOk", Err: err}
		}

		valid, err := c.handlers.QueryValidPaths(sw, paths, substituteOk)
		if herr := asHandlerError(err); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStrings(w, valid) }, nil, nil

	case OpQuerySubstitutablePaths:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QuerySubstitutablePaths read paths", Err: err}
		}

		substitutable, herr := callH2(c.handlers.QuerySubstitutablePaths, sw, paths)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStrings(w, substitutable) }, nil, nil

	case OpQueryValidDerivers:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryValidDerivers read path", Err: err}
		}

		derivers, herr := callH2(c.handlers.QueryValidDerivers, sw, path)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStrings(w, derivers) }, nil, nil

	case OpQueryReferrers:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryReferrers read path", Err: err}
		}

		referrers, herr := callH2(c.handlers.QueryReferrers, sw, path)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStrings(w, referrers) }, nil, nil

	case OpQueryDerivationOutputMap:
		drvPath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryDerivationOutputMap read drvPath", Err: err}
		}

		entries, herr := callH2(c.handlers.QueryDerivationOutputMap, sw, drvPath)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error {
			m := make(map[string]string, len(entries))
			for _, e := range entries {
				m[e.Name] = e.Path
			}

			return WriteStringMap(w, m)
		}, nil, nil

	case OpQueryMissing:
		paths, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryMissing read paths", Err: err}
		}

		info, herr := callH2(c.handlers.QueryMissing, sw, paths)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error {
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
		}, nil, nil

	case OpQueryRealisation:
		outputID, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryRealisation read outputID", Err: err}
		}

		realisations, herr := callH2(c.handlers.QueryRealisation, sw, outputID)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStrings(w, realisations) }, nil, nil

	case OpAddTempRoot:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddTempRoot read path", Err: err}
		}

		if herr := callH2Err(c.handlers.AddTempRoot, sw, path); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil

	case OpFindRoots:
		roots, herr := callH1(c.handlers.FindRoots, sw)
		if herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteStringMap(w, roots) }, nil, nil

	case OpAddSignatures:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddSignatures read path", Err: err}
		}

		sigs, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddSignatures read sigs", Err: err}
		}

		if herr := asHandlerError(c.handlers.AddSignatures(sw, path, sigs)); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil

	case OpRegisterDrvOutput:
		realisation, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "RegisterDrvOutput read realisation", Err: err}
		}

		if herr := callH2Err(c.handlers.RegisterDrvOutput, sw, realisation); herr != nil {
			return nil, herr, nil
		}

		return nil, nil, nil

	case OpSetOptions:
		settings, err := ReadClientSettings(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "SetOptions read settings", Err: err}
		}

		if herr := asHandlerError(c.handlers.SetOptions(sw, settings)); herr != nil {
			return nil, herr, nil
		}

		c.settings = settings

		return nil, nil, nil

	case OpCollectGarbage:
		options, err := readGCOptions(r)
		if err != nil {
			return nil, nil, err
		}

		result, err := c.handlers.CollectGarbage(sw, options)
		if herr := asHandlerError(err); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error {
			if err := WriteStrings(w, result.Paths); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, result.BytesFreed); err != nil {
				return err
			}

			return wire.WriteUint64(w, 0) // deprecated trailing field
		}, nil, nil

	case OpOptimiseStore:
		if herr := asHandlerError(c.handlers.OptimiseStore(sw)); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil

	case OpVerifyStore:
		checkContents, err := wire.ReadBool(r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "VerifyStore read checkContents", Err: err}
		}

		repair, err := wire.ReadBool(r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "VerifyStore read repair", Err: err}
		}

		errorsFound, err := c.handlers.VerifyStore(sw, checkContents, repair)
		if herr := asHandlerError(err); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteBool(w, errorsFound) }, nil, nil

	case OpBuildPaths:
		paths, mode, err := readPathsAndMode(r)
		if err != nil {
			return nil, nil, err
		}

		if herr := asHandlerError(c.handlers.BuildPaths(sw, paths, mode)); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil

	case OpBuildPathsWithResults:
		paths, mode, err := readPathsAndMode(r)
		if err != nil {
			return nil, nil, err
		}

		results, err := c.handlers.BuildPathsWithResults(sw, paths, mode)
		if herr := asHandlerError(err); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error {
			if err := wire.WriteUint64(w, uint64(len(results))); err != nil {
				return err
			}

			for _, res := range results {
				if err := wire.WriteString(w, res.DerivedPath); err != nil {
					return err
				}

				if err := WriteBuildResult(w, &res.Result); err != nil {
					return err
				}
			}

			return nil
		}, nil, nil

	case OpBuildDerivation:
		drvPath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "BuildDerivation read drvPath", Err: err}
		}

		drv, err := ReadDerivation(r, MaxStringSize)
		if err != nil {
			return nil, nil, err
		}

		modeRaw, err := wire.ReadUint64(r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "BuildDerivation read mode", Err: err}
		}

		result, err := c.handlers.BuildDerivation(sw, drvPath, drv, BuildMode(modeRaw))
		if herr := asHandlerError(err); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return WriteBuildResult(w, result) }, nil, nil

	case OpEnsurePath:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "EnsurePath read path", Err: err}
		}

		if herr := callH2Err(c.handlers.EnsurePath, sw, path); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil

	case OpNarFromPath:
		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "NarFromPath read path", Err: err}
		}

		rc, err := c.handlers.NarFromPath(sw, path)
		if herr := asHandlerError(err); herr != nil {
			return nil, herr, nil
		}

		return func(w *bufio.Writer) error {
			defer rc.Close()
			_, err := io.Copy(w, rc)

			return err
		}, nil, nil

	case OpAddToStore:
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddToStore read name", Err: err}
		}

		// camStr and refs are part of the legacy AddToStore request but
		// have no equivalent in Handlers.AddToStore; consumed here purely
		// to keep the stream aligned before the framed source.
		if _, err := wire.ReadString(r, MaxStringSize); err != nil {
			return nil, nil, &ProtocolError{Op: "AddToStore read camStr", Err: err}
		}

		if _, err := ReadStrings(r, MaxStringSize); err != nil {
			return nil, nil, &ProtocolError{Op: "AddToStore read refs", Err: err}
		}

		if _, err := wire.ReadBool(r); err != nil {
			return nil, nil, &ProtocolError{Op: "AddToStore read repair", Err: err}
		}

		fr := NewFramedReader(r)
		herr := asHandlerError(c.handlers.AddToStore(sw, name, fr))

		if drainErr := drainFramed(fr); drainErr != nil && herr == nil {
			return nil, nil, drainErr
		}

		return nil, herr, nil

	case OpAddToStoreNar:
		info, repair, dontCheckSigs, err := readAddToStoreNarRequest(r)
		if err != nil {
			return nil, nil, err
		}

		fr := NewFramedReader(r)
		herr := asHandlerError(c.handlers.AddToStoreNar(sw, info, fr, repair, dontCheckSigs))

		if drainErr := drainFramed(fr); drainErr != nil && herr == nil {
			return nil, nil, drainErr
		}

		return nil, herr, nil

	case OpAddMultipleToStore:
		repair, err := wire.ReadBool(r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddMultipleToStore read repair", Err: err}
		}

		dontCheckSigs, err := wire.ReadBool(r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddMultipleToStore read dontCheckSigs", Err: err}
		}

		fr := NewFramedReader(r)

		count, err := wire.ReadUint64(fr)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddMultipleToStore read count", Err: err}
		}

		herr := asHandlerError(c.handlers.AddMultipleToStore(sw, repair, dontCheckSigs, count, fr))

		if drainErr := drainFramed(fr); drainErr != nil && herr == nil {
			return nil, nil, drainErr
		}

		return nil, herr, nil

	case OpAddBuildLog:
		drvPath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "AddBuildLog read drvPath", Err: err}
		}

		fr := NewFramedReader(r)
		herr := asHandlerError(c.handlers.AddBuildLog(sw, drvPath, fr))

		if drainErr := drainFramed(fr); drainErr != nil && herr == nil {
			return nil, nil, drainErr
		}

		return func(w *bufio.Writer) error { return wire.WriteUint64(w, 1) }, herr, nil

	default:
		return nil, nil, fmt.Errorf("%w: opcode %d", ErrUnknownOpcode, op)
	}
}

// drainFramed consumes any bytes a handler left unread in a framed source,
// so the connection stays byte-aligned for the next operation even if the
// handler returned early (for instance after a HandlerError).
func drainFramed(fr *FramedReader) error {
	_, err := io.Copy(io.Discard, fr)

	return err
}

func readPathsAndMode(r io.Reader) ([]string, BuildMode, error) {
	paths, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, 0, &ProtocolError{Op: "read build paths", Err: err}
	}

	mode, err := wire.ReadUint64(r)
	if err != nil {
		return nil, 0, &ProtocolError{Op: "read build mode", Err: err}
	}

	return paths, BuildMode(mode), nil
}

func readGCOptions(r io.Reader) (*GCOptions, error) {
	action, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "CollectGarbage read action", Err: err}
	}

	pathsToDelete, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "CollectGarbage read pathsToDelete", Err: err}
	}

	ignoreLiveness, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "CollectGarbage read ignoreLiveness", Err: err}
	}

	maxFreed, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "CollectGarbage read maxFreed", Err: err}
	}

	for i := 0; i < 3; i++ { // deprecated trailing fields
		if _, err := wire.ReadUint64(r); err != nil {
			return nil, &ProtocolError{Op: "CollectGarbage read deprecated field", Err: err}
		}
	}

	return &GCOptions{
		Action:         GCAction(action),
		PathsToDelete:  pathsToDelete,
		IgnoreLiveness: ignoreLiveness,
		MaxFreed:       maxFreed,
	}, nil
}

func readAddToStoreNarRequest(r io.Reader) (info *PathInfo, repair, dontCheckSigs bool, err error) {
	path, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, false, false, &ProtocolError{Op: "AddToStoreNar read path", Err: err}
	}

	info, err = ReadPathInfo(r, path)
	if err != nil {
		return nil, false, false, err
	}

	repair, err = wire.ReadBool(r)
	if err != nil {
		return nil, false, false, &ProtocolError{Op: "AddToStoreNar read repair", Err: err}
	}

	dontCheckSigs, err = wire.ReadBool(r)
	if err != nil {
		return nil, false, false, &ProtocolError{Op: "AddToStoreNar read dontCheckSigs", Err: err}
	}

	return info, repair, dontCheckSigs, nil
}

// asHandlerError normalizes any error returned by a Handlers method into a
// *HandlerError: a method that already constructed one (to control
// Type/Name/Traces) passes it through unchanged, anything else is wrapped
// at VerbError.
func asHandlerError(err error) *HandlerError {
	if err == nil {
		return nil
	}

	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}

	return NewHandlerError(VerbError, err)
}

// callH1 adapts a zero-argument Handlers method (beyond the StderrWriter)
// into the (result, *HandlerError) shape dispatchLocked's cases use.
func callH1[T any](fn func(*StderrWriter) (T, error), sw *StderrWriter) (T, *HandlerError) {
	v, err := fn(sw)

	return v, asHandlerError(err)
}

// callH2 is callH1 for a one-argument method.
func callH2[A, T any](fn func(*StderrWriter, A) (T, error), sw *StderrWriter, a A) (T, *HandlerError) {
	v, err := fn(sw, a)

	return v, asHandlerError(err)
}

// callH2Err is callH2 for a one-argument method with no typed result.
func callH2Err[A any](fn func(*StderrWriter, A) error, sw *StderrWriter, a A) *HandlerError {
	return asHandlerError(fn(sw, a))
}
