package refstore

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-multihash"

	"github.com/nixcask/nix-daemon-proxy/pkg/daemon"
	"github.com/nixcask/nix-daemon-proxy/pkg/narv2"
	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

// readWireString reads one length-prefixed string field, the same way
// every other daemon request field does.
func readWireString(r io.Reader) (string, error) {
	return wire.ReadString(r, daemon.MaxStringSize)
}

// validateNAR walks data with narv2's structural reader and rejects
// anything that doesn't parse as a well-formed NAR archive. daemon.CopyNAR
// only finds where one entry ends, which it can do on a corrupt stream as
// long as lengths are self-consistent; this is the deeper check that
// catches a boundary that parsed but never should have been accepted.
func validateNAR(data []byte) error {
	r := narv2.NewReader(bytes.NewReader(data))

	for {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("refstore: invalid NAR: %w", err)
		}
	}
}

// narDigest computes a stable textual digest of a NAR's bytes, used both
// to record what was ingested and to check it again in VerifyStore.
func narDigest(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("refstore: hashing NAR: %w", err)
	}

	return sum.B58String(), nil
}

// NarFromPath streams back the NAR bytes recorded for path.
func (s *Store) NarFromPath(_ *daemon.StderrWriter, path string) (io.ReadCloser, error) {
	var data []byte

	err := s.db.QueryRow(`SELECT data FROM nar_blobs WHERE store_path = ?`, path).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refstore: %w: %s", ErrNotFound, path)
		}

		return nil, err
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// addNarBlob hashes data and stores it alongside info's path_info row,
// all in one transaction so a partially-ingested path is never visible
// to a concurrent QueryPathInfo.
func (s *Store) addNarBlob(info *daemon.PathInfo, data []byte) error {
	if err := validateNAR(data); err != nil {
		return err
	}

	digest, err := narDigest(data)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(
		`INSERT INTO path_info (store_path, deriver, nar_hash, registration_time, nar_size, ultimate, ca)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(store_path) DO UPDATE SET deriver = excluded.deriver,
		                                        nar_hash = excluded.nar_hash,
		                                        registration_time = excluded.registration_time,
		                                        nar_size = excluded.nar_size,
		                                        ultimate = excluded.ultimate,
		                                        ca = excluded.ca`,
		info.StorePath, info.Deriver, info.NarHash, info.RegistrationTime, info.NarSize, info.Ultimate, info.CA,
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM path_references WHERE store_path = ?`, info.StorePath); err != nil {
		return err
	}

	for _, ref := range info.References {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO path_references (store_path, reference) VALUES (?, ?)`, info.StorePath, ref,
		); err != nil {
			return err
		}
	}

	for _, sig := range info.Sigs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO path_sigs (store_path, sig) VALUES (?, ?)`, info.StorePath, sig,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO nar_blobs (store_path, digest, data) VALUES (?, ?, ?)
		 ON CONFLICT(store_path) DO UPDATE SET digest = excluded.digest, data = excluded.data`,
		info.StorePath, digest, data,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// AddToStore imports a single path from the legacy framed request. The
// request's own camStr/refs/repair fields are consumed by the dispatcher
// before source is handed to this method (see the OpAddToStore case in
// server.go's dispatch), so all this method sees is name and an opaque NAR byte
// stream; it registers a minimal PathInfo with no references, the most
// the legacy wire shape can tell it.
func (s *Store) AddToStore(_ *daemon.StderrWriter, name string, source io.Reader) error {
	var buf bytes.Buffer
	if err := daemon.CopyNAR(&buf, source); err != nil {
		return fmt.Errorf("refstore: AddToStore: %w", err)
	}

	data := buf.Bytes()

	digest, err := narDigest(data)
	if err != nil {
		return err
	}

	info := &daemon.PathInfo{
		StorePath: name,
		NarHash:   "sha256:" + digest,
		NarSize:   uint64(len(data)), //nolint:gosec
	}

	return s.addNarBlob(info, data)
}

// AddToStoreNar imports a NAR whose metadata is already known (info),
// streamed from source as an opaque byte sequence.
func (s *Store) AddToStoreNar(
	_ *daemon.StderrWriter, info *daemon.PathInfo, source io.Reader, _, _ bool,
) error {
	var buf bytes.Buffer
	if err := daemon.CopyNAR(&buf, source); err != nil {
		return fmt.Errorf("refstore: AddToStoreNar: %w", err)
	}

	return s.addNarBlob(info, buf.Bytes())
}

// AddMultipleToStore imports count (PathInfo, NAR) pairs read in
// sequence from source. Each NAR is self-delimiting (daemon.CopyNAR finds
// its end by parsing its structure), which is what lets count entries
// share one framed source with no length prefix between them.
func (s *Store) AddMultipleToStore(
	_ *daemon.StderrWriter, _, _ bool, count uint64, source io.Reader,
) error {
	for i := uint64(0); i < count; i++ {
		storePath, err := readWireString(source)
		if err != nil {
			return fmt.Errorf("refstore: AddMultipleToStore: entry %d path: %w", i, err)
		}

		info, err := daemon.ReadPathInfo(source, storePath)
		if err != nil {
			return fmt.Errorf("refstore: AddMultipleToStore: entry %d info: %w", i, err)
		}

		var buf bytes.Buffer
		if err := daemon.CopyNAR(&buf, source); err != nil {
			return fmt.Errorf("refstore: AddMultipleToStore: entry %d NAR: %w", i, err)
		}

		if err := s.addNarBlob(info, buf.Bytes()); err != nil {
			return fmt.Errorf("refstore: AddMultipleToStore: entry %d: %w", i, err)
		}
	}

	return nil
}

// AddBuildLog appends an opaque log byte stream for drvPath.
func (s *Store) AddBuildLog(_ *daemon.StderrWriter, drvPath string, source io.Reader) error {
	data, err := io.ReadAll(source)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO build_logs (drv_path, log) VALUES (?, ?)
		 ON CONFLICT(drv_path) DO UPDATE SET log = excluded.log`,
		drvPath, data,
	)

	return err
}
