package refstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nixcask/nix-daemon-proxy/pkg/daemon"
)

// AddTempRoot registers path as a garbage-collection root. Unlike a real
// store, the root doesn't expire when the connection closes: CollectGarbage treats
// every row in temp_roots as permanently live until a caller removes it
// some other way, since this package has no per-connection lifecycle
// hook to clean up after.
func (s *Store) AddTempRoot(_ *daemon.StderrWriter, path string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO temp_roots (path) VALUES (?)`, path)

	return err
}

// FindRoots reports every registered root, mapping each to itself: this
// store doesn't model the symlink-in-/proc indirection a real worker uses
// to find live roots, only the set of paths a client has asked to keep.
func (s *Store) FindRoots(_ *daemon.StderrWriter) (map[string]string, error) {
	paths, err := s.queryStrings(`SELECT path FROM temp_roots`)
	if err != nil {
		return nil, err
	}

	roots := make(map[string]string, len(paths))
	for _, p := range paths {
		roots[p] = p
	}

	return roots, nil
}

// AddSignatures appends sigs to path's existing signature set.
func (s *Store) AddSignatures(_ *daemon.StderrWriter, path string, sigs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sig := range sigs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO path_sigs (store_path, sig) VALUES (?, ?)`, path, sig,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// realisationJSON mirrors the on-wire JSON shape of a content-addressed
// realisation (Nix's Realisation::toJSON): the keys below are fixed by
// the protocol, not chosen here.
type realisationJSON struct {
	ID                    string            `json:"id"`
	OutPath               string            `json:"outPath"`
	Signatures            []string          `json:"signatures"`
	DependentRealisations map[string]string `json:"dependentRealisations"`
}

// RegisterDrvOutput records a content-addressed realisation, given as an
// opaque JSON string by the wire protocol.
func (s *Store) RegisterDrvOutput(_ *daemon.StderrWriter, realisation string) error {
	var r realisationJSON
	if err := json.Unmarshal([]byte(realisation), &r); err != nil {
		return fmt.Errorf("refstore: decode realisation: %w", err)
	}

	deps, err := json.Marshal(r.DependentRealisations)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO realisations (id, out_path, signatures, dependents) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET out_path = excluded.out_path,
		                                signatures = excluded.signatures,
		                                dependents = excluded.dependents`,
		r.ID, r.OutPath, joinNonEmpty(r.Signatures, ","), string(deps),
	)

	return err
}

func joinNonEmpty(ss []string, sep string) string {
	out := ""

	for i, s := range ss {
		if i > 0 {
			out += sep
		}

		out += s
	}

	return out
}

// SetOptions has nothing to persist: Conn already applies settings (in
// particular, the verbosity StderrWriter gating reads from) to the
// connection itself before and after this call.
func (s *Store) SetOptions(_ *daemon.StderrWriter, _ *daemon.ClientSettings) error {
	return nil
}

// OptimiseStore is a no-op: this store never hardlinks identical file
// contents across paths the way a real Nix store's optimiser does.
func (s *Store) OptimiseStore(_ *daemon.StderrWriter) error {
	return nil
}

// VerifyStore recomputes each registered path's NAR digest and compares
// it against the multihash recorded at ingest time (see addNarBlob),
// reporting true if any path failed. repair is accepted for interface
// compatibility; this store has no substituter to repair from, so a
// corrupted path can only be reported, not fixed.
func (s *Store) VerifyStore(sw *daemon.StderrWriter, checkContents, _ bool) (bool, error) {
	if !checkContents {
		return false, nil
	}

	rows, err := s.db.Query(`SELECT store_path, digest, data FROM nar_blobs`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	errorsFound := false

	for rows.Next() {
		var (
			path, wantDigest string
			data             []byte
		)

		if err := rows.Scan(&path, &wantDigest, &data); err != nil {
			return false, err
		}

		gotDigest, err := narDigest(data)
		if err != nil {
			return false, err
		}

		if gotDigest != wantDigest {
			errorsFound = true

			if sw != nil {
				_ = sw.Result(daemon.ActivityResult{Type: daemon.ResCorruptedPath, Fields: []daemon.LogField{
					{IsInt: false, String: path},
				}})
			}
		}
	}

	return errorsFound, rows.Err()
}

// CollectGarbage computes live paths as the closure of temp_roots over
// path_references, then answers according to options.Action.
func (s *Store) CollectGarbage(_ *daemon.StderrWriter, options *daemon.GCOptions) (*daemon.GCResult, error) {
	all, err := s.queryStrings(`SELECT store_path FROM path_info`)
	if err != nil {
		return nil, err
	}

	live, err := s.liveClosure()
	if err != nil {
		return nil, err
	}

	result := &daemon.GCResult{}

	switch options.Action {
	case daemon.GCReturnLive:
		for p := range live {
			result.Paths = append(result.Paths, p)
		}
	case daemon.GCReturnDead:
		result.Paths = deadPaths(all, live, options.MaxFreed)
	case daemon.GCDeleteDead:
		dead := deadPaths(all, live, options.MaxFreed)

		freed, err := s.deletePaths(dead)
		if err != nil {
			return nil, err
		}

		result.Paths = dead
		result.BytesFreed = freed
	case daemon.GCDeleteSpecific:
		freed, err := s.deletePaths(options.PathsToDelete)
		if err != nil {
			return nil, err
		}

		result.Paths = options.PathsToDelete
		result.BytesFreed = freed
	}

	return result, nil
}

// liveClosure returns every path reachable from temp_roots by following
// path_references, the same reachability rule CollectGarbage's
// GCReturnLive/GCReturnDead actions are defined in terms of.
func (s *Store) liveClosure() (map[string]bool, error) {
	roots, err := s.queryStrings(`SELECT path FROM temp_roots`)
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(roots))

	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		if live[p] {
			continue
		}

		live[p] = true

		refs, err := s.queryStrings(`SELECT reference FROM path_references WHERE store_path = ?`, p)
		if err != nil {
			return nil, err
		}

		queue = append(queue, refs...)
	}

	return live, nil
}

func deadPaths(all []string, live map[string]bool, maxFreed uint64) []string {
	var dead []string

	var freed uint64

	for _, p := range all {
		if live[p] {
			continue
		}

		if maxFreed != 0 && freed >= maxFreed {
			break
		}

		dead = append(dead, p)
		freed++ // per-path byte accounting isn't tracked; each path counts as one unit
	}

	return dead
}

func (s *Store) deletePaths(paths []string) (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var freed uint64

	for _, p := range paths {
		var narSize sql.NullInt64

		if err := tx.QueryRow(`SELECT nar_size FROM path_info WHERE store_path = ?`, p).Scan(&narSize); err != nil &&
			!errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}

		if _, err := tx.Exec(`DELETE FROM path_info WHERE store_path = ?`, p); err != nil {
			return 0, err
		}

		freed += uint64(narSize.Int64) //nolint:gosec
	}

	return freed, tx.Commit()
}

// BuildPaths, BuildPathsWithResults, BuildDerivation and EnsurePath all
// require a builder this store doesn't have.
func (s *Store) BuildPaths(*daemon.StderrWriter, []string, daemon.BuildMode) error {
	return ErrBuildingNotSupported
}

func (s *Store) BuildPathsWithResults(
	*daemon.StderrWriter, []string, daemon.BuildMode,
) ([]daemon.DerivedBuildResult, error) {
	return nil, ErrBuildingNotSupported
}

func (s *Store) BuildDerivation(
	*daemon.StderrWriter, string, *daemon.Derivation, daemon.BuildMode,
) (*daemon.BuildResult, error) {
	return nil, ErrBuildingNotSupported
}

func (s *Store) EnsurePath(*daemon.StderrWriter, string) error {
	return ErrBuildingNotSupported
}
