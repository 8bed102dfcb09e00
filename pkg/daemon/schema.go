package daemon

import "io"

// Handlers is the collaborator a Conn dispatches decoded requests to: one
// method per opcode (spec §6.2). Implementations hold whatever store state
// is necessary to answer them; this package only knows how to get bytes off
// the wire and into these calls and back.
//
// Every method receives the connection's StderrWriter so it can report
// progress (Next/StartActivity/StopActivity/Result) before returning. A
// returned error is wrapped in a HandlerError automatically unless it
// already is one (via errors.As), and reported to the client as a stderr
// Error frame: the connection stays open and moves on to the next request.
// This applies to every error a handler returns, so a handler cannot close
// the connection by returning one.
type Handlers interface {
	IsValidPath(sw *StderrWriter, path string) (bool, error)
	QueryPathInfo(sw *StderrWriter, path string) (*PathInfo, error)
	QueryPathFromHashPart(sw *StderrWriter, hashPart string) (string, error)
	QueryAllValidPaths(sw *StderrWriter) ([]string, error)
	QueryValidPaths(sw *StderrWriter, paths []string, substituteOk bool) ([]string, error)
	QuerySubstitutablePaths(sw *StderrWriter, paths []string) ([]string, error)
	QueryValidDerivers(sw *StderrWriter, path string) ([]string, error)
	QueryReferrers(sw *StderrWriter, path string) ([]string, error)
	QueryDerivationOutputMap(sw *StderrWriter, drvPath string) ([]DerivationOutputMapEntry, error)
	QueryMissing(sw *StderrWriter, paths []string) (*MissingInfo, error)
	QueryRealisation(sw *StderrWriter, outputID string) ([]string, error)

	AddTempRoot(sw *StderrWriter, path string) error
	FindRoots(sw *StderrWriter) (map[string]string, error)
	AddSignatures(sw *StderrWriter, path string, sigs []string) error
	RegisterDrvOutput(sw *StderrWriter, realisation string) error

	SetOptions(sw *StderrWriter, settings *ClientSettings) error
	CollectGarbage(sw *StderrWriter, options *GCOptions) (*GCResult, error)
	OptimiseStore(sw *StderrWriter) error
	VerifyStore(sw *StderrWriter, checkContents, repair bool) (bool, error)

	BuildPaths(sw *StderrWriter, paths []string, mode BuildMode) error
	BuildPathsWithResults(sw *StderrWriter, paths []string, mode BuildMode) ([]DerivedBuildResult, error)
	BuildDerivation(sw *StderrWriter, drvPath string, drv *Derivation, mode BuildMode) (*BuildResult, error)
	EnsurePath(sw *StderrWriter, path string) error

	// NarFromPath returns the NAR serialisation of path as an opaque byte
	// stream; the server neither parses nor reconstructs NAR structure, it
	// only relays what it reads from rc. The dispatcher streams rc onto
	// the wire after the stderr channel's Last frame and closes it
	// afterward.
	NarFromPath(sw *StderrWriter, path string) (rc io.ReadCloser, err error)

	// AddToStore imports a single path from a legacy (pre-AddToStoreNar)
	// framed byte stream; its on-wire layout beyond the framed body is
	// store-implementation-defined, so the raw bytes are handed through.
	AddToStore(sw *StderrWriter, name string, source io.Reader) error

	// AddToStoreNar imports a NAR described by info, streamed from source
	// as an opaque byte sequence (the framed source's payload).
	AddToStoreNar(sw *StderrWriter, info *PathInfo, source io.Reader, repair, dontCheckSigs bool) error

	// AddMultipleToStore imports count path/NAR pairs read in sequence
	// from source: a PathInfo followed by an opaque NAR byte stream,
	// repeated count times, all within one framed source.
	AddMultipleToStore(sw *StderrWriter, repair, dontCheckSigs bool, count uint64, source io.Reader) error

	// AddBuildLog appends an opaque log byte stream for drvPath.
	AddBuildLog(sw *StderrWriter, drvPath string, source io.Reader) error
}
