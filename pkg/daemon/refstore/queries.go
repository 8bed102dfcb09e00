package refstore

import (
	"database/sql"
	"errors"

	"github.com/nixcask/nix-daemon-proxy/pkg/daemon"
)

// IsValidPath reports whether path has a registered path_info row.
func (s *Store) IsValidPath(_ *daemon.StderrWriter, path string) (bool, error) {
	var exists bool

	err := s.db.QueryRow(`SELECT 1 FROM path_info WHERE store_path = ?`, path).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// QueryPathInfo loads a full PathInfo, including its references and
// signatures, or returns nil if path isn't registered (the dispatcher
// answers a nil PathInfo as "not found" rather than as an error).
func (s *Store) QueryPathInfo(_ *daemon.StderrWriter, path string) (*daemon.PathInfo, error) {
	info, err := s.loadPathInfo(path)
	if errors.Is(err, ErrNotFound) {
		return nil, nil //nolint:nilnil
	}

	return info, err
}

func (s *Store) loadPathInfo(path string) (*daemon.PathInfo, error) {
	var (
		deriver, narHash, ca string
		registrationTime     uint64
		narSize              uint64
		ultimate             bool
	)

	row := s.db.QueryRow(
		`SELECT deriver, nar_hash, registration_time, nar_size, ultimate, ca
		 FROM path_info WHERE store_path = ?`, path)

	if err := row.Scan(&deriver, &narHash, &registrationTime, &narSize, &ultimate, &ca); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	references, err := s.queryStrings(`SELECT reference FROM path_references WHERE store_path = ?`, path)
	if err != nil {
		return nil, err
	}

	sigs, err := s.queryStrings(`SELECT sig FROM path_sigs WHERE store_path = ?`, path)
	if err != nil {
		return nil, err
	}

	return &daemon.PathInfo{
		StorePath:        path,
		Deriver:          deriver,
		NarHash:          narHash,
		References:       references,
		RegistrationTime: registrationTime,
		NarSize:          narSize,
		Ultimate:         ultimate,
		Sigs:             sigs,
		CA:               ca,
	}, nil
}

func (s *Store) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

// QueryPathFromHashPart finds the one store path whose hash part matches,
// per the "/nix/store/<hash>-<name>" naming convention.
func (s *Store) QueryPathFromHashPart(_ *daemon.StderrWriter, hashPart string) (string, error) {
	var path string

	err := s.db.QueryRow(
		`SELECT store_path FROM path_info WHERE store_path LIKE '/nix/store/' || ? || '-%' LIMIT 1`,
		hashPart,
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	return path, err
}

// QueryAllValidPaths returns every registered store path.
func (s *Store) QueryAllValidPaths(_ *daemon.StderrWriter) ([]string, error) {
	return s.queryStrings(`SELECT store_path FROM path_info`)
}

// QueryValidPaths filters paths down to the ones that are registered.
// substituteOk is accepted for interface compatibility: this store has no
// substituters (see QuerySubstitutablePaths), so it never makes a path
// valid that wasn't already.
func (s *Store) QueryValidPaths(_ *daemon.StderrWriter, paths []string, _ bool) ([]string, error) {
	var valid []string

	for _, p := range paths {
		ok, err := s.IsValidPath(nil, p)
		if err != nil {
			return nil, err
		}

		if ok {
			valid = append(valid, p)
		}
	}

	return valid, nil
}

// QuerySubstitutablePaths always returns empty: this store has no
// substituters configured, only the paths callers explicitly add to it.
func (s *Store) QuerySubstitutablePaths(_ *daemon.StderrWriter, _ []string) ([]string, error) {
	return nil, nil
}

// QueryValidDerivers returns the registered deriver for path, if any.
func (s *Store) QueryValidDerivers(_ *daemon.StderrWriter, path string) ([]string, error) {
	var deriver string

	err := s.db.QueryRow(`SELECT deriver FROM path_info WHERE store_path = ?`, path).Scan(&deriver)
	if errors.Is(err, sql.ErrNoRows) || deriver == "" {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return []string{deriver}, nil
}

// QueryReferrers returns every path that references path.
func (s *Store) QueryReferrers(_ *daemon.StderrWriter, path string) ([]string, error) {
	return s.queryStrings(`SELECT store_path FROM path_references WHERE reference = ?`, path)
}

// QueryDerivationOutputMap always returns empty: without a builder this
// store never learns a derivation's output paths ahead of AddToStoreNar
// registering them directly.
func (s *Store) QueryDerivationOutputMap(
	_ *daemon.StderrWriter, _ string,
) ([]daemon.DerivationOutputMapEntry, error) {
	return nil, nil
}

// QueryMissing reports every path not already registered as Unknown: with
// no builder and no substituters, this store can't say whether a missing
// path would be built or substituted, only that it isn't here.
func (s *Store) QueryMissing(_ *daemon.StderrWriter, paths []string) (*daemon.MissingInfo, error) {
	info := &daemon.MissingInfo{}

	for _, p := range paths {
		ok, err := s.IsValidPath(nil, p)
		if err != nil {
			return nil, err
		}

		if !ok {
			info.Unknown = append(info.Unknown, p)
		}
	}

	return info, nil
}

// QueryRealisation returns the registered output path for outputID, as a
// single-element slice. The dispatcher writes these strings to the wire
// unchanged, so the reply carries the bare output path, not a realisation
// JSON document.
func (s *Store) QueryRealisation(_ *daemon.StderrWriter, outputID string) ([]string, error) {
	var outPath string

	err := s.db.QueryRow(`SELECT out_path FROM realisations WHERE id = ?`, outputID).Scan(&outPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return []string{outPath}, nil
}
