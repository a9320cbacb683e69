// store.go wires the codec in this package to real storage: a sqlite
// database for the whole-database snapshot (spec.md §6.C), and
// deterministically-named compressed files for detached subtrees
// (§3.H "selva_<pid>_<session>_<nodeid>.z"). Grounded on the teacher's
// internal/storage/sqlite (database/sql + the ncruces/go-sqlite3 driver
// registered under the name "sqlite3") and cmd/bd/sync.go's flock-guarded
// critical section, generalized from "one sync at a time" to "one
// snapshot write at a time".
package persist

import (
	"bytes"
	"compress/flate"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/gofrs/flock"

	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/logx"
	"github.com/selvadb/selva/internal/selvaerr"
)

// tryLockPoll is the retry interval TryLockContext polls the lock file
// at; a snapshot write is expected to be rare and brief, so this errs
// towards simplicity over a notification-based wait.
const tryLockPoll = 50 * time.Millisecond

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshot (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	payload BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);
`

// Store owns the on-disk persistence directory: a sqlite snapshot
// database and a sibling directory of detached-subtree blobs.
type Store struct {
	dir     string
	session string
	db      *sql.DB
	lock    *flock.Flock
}

// Open prepares (creating if necessary) the snapshot database and
// detached-subtree directory under dir. session identifies this
// process's run for the detached blob filename scheme; callers
// typically derive it from a daemon startup nonce.
func Open(dir, session string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "detached"), 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, "selva.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		dir:     dir,
		session: session,
		db:      db,
		lock:    flock.New(filepath.Join(dir, ".snapshot.lock")),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func compress(b []byte) []byte {
	var out bytes.Buffer
	zw, _ := flate.NewWriter(&out, flate.BestSpeed)
	zw.Write(b)
	zw.Close()
	return out.Bytes()
}

func decompress(b []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(b))
	defer zr.Close()
	return io.ReadAll(zr)
}

// SaveSnapshot writes the current full-graph snapshot, guarded by an
// exclusive file lock so a concurrent snapshot (e.g. triggered by the
// replication log catching up) can't interleave writes (cmd/bd/sync.go's
// "another sync is in progress" guard, generalized).
func (s *Store) SaveSnapshot(ctx context.Context, data []byte) error {
	locked, err := s.lock.TryLockContext(ctx, tryLockPoll)
	if err != nil {
		return err
	}
	if !locked {
		return selvaerr.New(selvaerr.NotSupported, "persist: another snapshot write is in progress")
	}
	defer s.lock.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshot (id, version, payload, saved_at) VALUES (1, ?, ?, unixepoch())
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, payload = excluded.payload, saved_at = excluded.saved_at`,
		snapshotVersion, compress(data))
	if err != nil {
		return err
	}
	logx.Infof("persist: snapshot saved (%d bytes raw)", len(data))
	return nil
}

// LoadSnapshot reads back the most recent snapshot payload, or
// (nil, false, nil) if none has ever been saved.
func (s *Store) LoadSnapshot(ctx context.Context) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshot WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := decompress(payload)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// detachedPath implements the spec's deterministic filename scheme.
func (s *Store) detachedPath(root hierarchy.NodeID) string {
	name := fmt.Sprintf("selva_%d_%s_%s.z", os.Getpid(), s.session, hex.EncodeToString(root[:]))
	return filepath.Join(s.dir, "detached", name)
}

// SaveDetached compresses and writes a single detached subtree blob,
// named per spec.md §3.H.
func (s *Store) SaveDetached(root hierarchy.NodeID, data []byte) error {
	return os.WriteFile(s.detachedPath(root), compress(data), 0o644)
}

// LoadDetached reads back a previously saved detached subtree blob.
func (s *Store) LoadDetached(root hierarchy.NodeID) ([]byte, bool, error) {
	b, err := os.ReadFile(s.detachedPath(root))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := decompress(b)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// DeleteDetached removes a detached subtree blob, e.g. after a
// successful Reattach.
func (s *Store) DeleteDetached(root hierarchy.NodeID) error {
	err := os.Remove(s.detachedPath(root))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
