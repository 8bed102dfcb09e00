package daemon

import (
	"io"
	"sync"

	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

// StderrWriter emits frames on the out-of-band stderr channel that
// precedes every operation's typed reply (spec §4.4). A server handler
// receives one per request; it may call Next/StartActivity/StopActivity/
// Result any number of times before returning, and once the handler has
// returned the dispatcher writes the terminating Last frame, followed by
// the typed reply.
//
// A StderrWriter is not safe for concurrent use: a single request is
// always handled by a single goroutine, and frames must stay in the order
// the handler emits them.
type StderrWriter struct {
	w         io.Writer
	mu        *sync.Mutex // shared with the connection's reply writer
	verbosity Verbosity
}

// NewStderrWriter wraps w (and the mutex serializing writes to the
// underlying connection, if any) as a StderrWriter. The writer defaults to
// the most permissive verbosity (VerbVomit); SetVerbosity narrows it to the
// client's last requested SetOptions verbosity.
func NewStderrWriter(w io.Writer, mu *sync.Mutex) *StderrWriter {
	return &StderrWriter{w: w, mu: mu, verbosity: VerbVomit}
}

// SetVerbosity narrows which StartActivity frames this writer will emit:
// a frame whose Level exceeds v is silently dropped by StartActivity.
func (s *StderrWriter) SetVerbosity(v Verbosity) {
	s.verbosity = v
}

func (s *StderrWriter) lock() {
	if s.mu != nil {
		s.mu.Lock()
	}
}

func (s *StderrWriter) unlock() {
	if s.mu != nil {
		s.mu.Unlock()
	}
}

// Next sends a plain log line.
func (s *StderrWriter) Next(text string) error {
	s.lock()
	defer s.unlock()

	if err := wire.WriteUint64(s.w, uint64(LogNext)); err != nil {
		return err
	}

	return wire.WriteString(s.w, text)
}

// StartActivity opens a structured activity. id must be unique among
// concurrently open activities on this connection. A frame whose Level
// exceeds the writer's current verbosity (spec §4.4 supplement) is dropped
// rather than sent; callers don't need to check verbosity themselves.
func (s *StderrWriter) StartActivity(act Activity) error {
	if act.Level > s.verbosity {
		return nil
	}

	s.lock()
	defer s.unlock()

	if err := wire.WriteUint64(s.w, uint64(LogStartActivity)); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, act.ID); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, uint64(act.Level)); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, uint64(act.Type)); err != nil {
		return err
	}

	if err := wire.WriteString(s.w, act.Text); err != nil {
		return err
	}

	if err := writeFields(s.w, act.Fields); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, act.Parent)
}

// StopActivity closes a previously started activity.
func (s *StderrWriter) StopActivity(id uint64) error {
	s.lock()
	defer s.unlock()

	if err := wire.WriteUint64(s.w, uint64(LogStopActivity)); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, id)
}

// Result reports a result event within a running activity.
func (s *StderrWriter) Result(res ActivityResult) error {
	s.lock()
	defer s.unlock()

	if err := wire.WriteUint64(s.w, uint64(LogResult)); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, res.ID); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, uint64(res.Type)); err != nil {
		return err
	}

	return writeFields(s.w, res.Fields)
}

// Error sends a terminal error frame. The dispatcher calls this for a
// HandlerError returned from a Handlers method. A client reading the
// stderr channel (ProcessStderr) expects Last immediately after an Error
// frame and then ends the operation with the error, without reading a
// typed reply.
func (s *StderrWriter) Error(derr *DaemonError) error {
	s.lock()
	defer s.unlock()

	if err := wire.WriteUint64(s.w, uint64(LogError)); err != nil {
		return err
	}

	if err := wire.WriteString(s.w, derr.Type); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, derr.Level); err != nil {
		return err
	}

	if err := wire.WriteString(s.w, derr.Name); err != nil {
		return err
	}

	if err := wire.WriteString(s.w, derr.Message); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, 0); err != nil { // havePos, unused
		return err
	}

	if err := wire.WriteUint64(s.w, uint64(len(derr.Traces))); err != nil {
		return err
	}

	for _, tr := range derr.Traces {
		if err := wire.WriteUint64(s.w, tr.HavePos); err != nil {
			return err
		}

		if err := wire.WriteString(s.w, tr.Message); err != nil {
			return err
		}
	}

	return nil
}

// last terminates the stderr channel so the client proceeds to read the
// operation's typed reply. Only the connection's op-loop calls this,
// after a handler returns successfully (or after Error, on HandlerError).
func (s *StderrWriter) last() error {
	s.lock()
	defer s.unlock()

	return wire.WriteUint64(s.w, uint64(LogLast))
}

// writeFields writes a sequence of typed log fields, tagging each with
// its 0=int/1=string discriminant.
func writeFields(w io.Writer, fields []LogField) error {
	if err := wire.WriteUint64(w, uint64(len(fields))); err != nil {
		return err
	}

	for _, f := range fields {
		if f.IsInt {
			if err := wire.WriteUint64(w, 0); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, f.Int); err != nil {
				return err
			}

			continue
		}

		if err := wire.WriteUint64(w, 1); err != nil {
			return err
		}

		if err := wire.WriteString(w, f.String); err != nil {
			return err
		}
	}

	return nil
}
