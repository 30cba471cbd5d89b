// Package store implements the persisted-store contract
// (dispatcher.Store) on top of a local SQLite database: identity and
// signed prekey material, the one-time prekey pool with atomic
// consume-by-public-key, and Double Ratchet session snapshots.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/ratchet"
)

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	priv BLOB NOT NULL,
	pub BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_prekey (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	key_id INTEGER NOT NULL,
	priv BLOB NOT NULL,
	pub BLOB NOT NULL,
	signature BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS one_time_prekeys (
	pub BLOB PRIMARY KEY,
	key_id INTEGER NOT NULL,
	priv BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	peer_id TEXT PRIMARY KEY,
	state BLOB NOT NULL
);
`

// SQLiteStore is a local, single-identity key and session store.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite-backed store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store at %s: %v", haverr.Store, path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", haverr.Store, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveIdentity(id *keys.Identity) error {
	_, err := s.db.Exec(`INSERT INTO identity (id, priv, pub) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET priv = excluded.priv, pub = excluded.pub`,
		[]byte(id.Private), []byte(id.Public))
	if err != nil {
		return fmt.Errorf("%w: saving identity: %v", haverr.Store, err)
	}
	return nil
}

func (s *SQLiteStore) LoadIdentity() (*keys.Identity, error) {
	var priv, pub []byte
	err := s.db.QueryRow(`SELECT priv, pub FROM identity WHERE id = 1`).Scan(&priv, &pub)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no identity saved", haverr.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading identity: %v", haverr.Store, err)
	}
	return &keys.Identity{Private: priv, Public: pub}, nil
}

func (s *SQLiteStore) SaveSignedPreKey(spk *keys.SignedPreKey) error {
	_, err := s.db.Exec(`INSERT INTO signed_prekey (id, key_id, priv, pub, signature) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET key_id = excluded.key_id, priv = excluded.priv, pub = excluded.pub, signature = excluded.signature`,
		spk.KeyID, spk.Private, spk.Public, spk.Signature)
	if err != nil {
		return fmt.Errorf("%w: saving signed prekey: %v", haverr.Store, err)
	}
	return nil
}

func (s *SQLiteStore) LoadSignedPreKey() (*keys.SignedPreKey, error) {
	var keyID uint32
	var priv, pub, sig []byte
	err := s.db.QueryRow(`SELECT key_id, priv, pub, signature FROM signed_prekey WHERE id = 1`).Scan(&keyID, &priv, &pub, &sig)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no signed prekey saved", haverr.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading signed prekey: %v", haverr.Store, err)
	}
	return &keys.SignedPreKey{
		DHPair:    keys.DHPair{Private: priv, Public: pub},
		Signature: sig,
		KeyID:     keyID,
	}, nil
}

func (s *SQLiteStore) SaveOneTimePreKeys(opks []*keys.OneTimePreKey) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %v", haverr.Store, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO one_time_prekeys (pub, key_id, priv) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: preparing insert: %v", haverr.Store, err)
	}
	defer stmt.Close()

	for _, opk := range opks {
		if _, err := stmt.Exec(opk.Public, opk.KeyID, opk.Private); err != nil {
			return fmt.Errorf("%w: saving one-time prekey %d: %v", haverr.Store, opk.KeyID, err)
		}
	}
	return tx.Commit()
}

// ConsumeOneTimePreKey atomically selects and deletes the OPK matching
// pub within one transaction, so two concurrent callers can never be
// handed the same private half.
func (s *SQLiteStore) ConsumeOneTimePreKey(pub []byte) (*keys.OneTimePreKey, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("%w: starting transaction: %v", haverr.Store, err)
	}
	defer tx.Rollback()

	var keyID uint32
	var priv []byte
	err = tx.QueryRow(`SELECT key_id, priv FROM one_time_prekeys WHERE pub = ?`, pub).Scan(&keyID, &priv)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: looking up one-time prekey: %v", haverr.Store, err)
	}

	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE pub = ?`, pub); err != nil {
		return nil, false, fmt.Errorf("%w: deleting one-time prekey: %v", haverr.Store, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: committing consume: %v", haverr.Store, err)
	}

	return &keys.OneTimePreKey{
		DHPair: keys.DHPair{Private: priv, Public: append([]byte{}, pub...)},
		KeyID:  keyID,
	}, true, nil
}

func (s *SQLiteStore) SaveSession(peerID string, state *ratchet.State) error {
	blob, err := state.Serialize()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (peer_id, state) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET state = excluded.state`, peerID, blob)
	if err != nil {
		return fmt.Errorf("%w: saving session for %s: %v", haverr.Store, peerID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadSession(peerID string) (*ratchet.State, bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT state FROM sessions WHERE peer_id = ?`, peerID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: loading session for %s: %v", haverr.Store, peerID, err)
	}
	state, err := ratchet.Deserialize(blob)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (s *SQLiteStore) DeleteSession(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("%w: deleting session for %s: %v", haverr.Store, peerID, err)
	}
	return nil
}
