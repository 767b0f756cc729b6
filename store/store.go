// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package store is the bridge's persistent cache: a small SQLite database
// holding user settings, DID-keyed caches of attached files, file replicas and
// replication rules, encrypted data-service credentials and upload jobs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	jsoniter "github.com/json-iterator/go"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// lifetime of cached attached-file, replica and rule rows
const CacheTTL = time.Hour

// name of the database file within the data directory
const DatabaseFile = "cache.db"

// name of the generated credential key file within the data directory
const keyFile = "secret.key"

const schema = `
CREATE TABLE IF NOT EXISTS user_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS attached_file_cache (
    namespace TEXT NOT NULL,
    did TEXT NOT NULL,
    files TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, did)
);
CREATE TABLE IF NOT EXISTS file_replica_cache (
    namespace TEXT NOT NULL,
    did TEXT NOT NULL,
    pfn TEXT,
    size INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, did)
);
CREATE TABLE IF NOT EXISTS replication_rule_cache (
    namespace TEXT NOT NULL,
    did TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, did)
);
CREATE TABLE IF NOT EXISTS rucio_auth_credentials (
    namespace TEXT NOT NULL,
    auth_type TEXT NOT NULL,
    params TEXT NOT NULL,
    PRIMARY KEY (namespace, auth_type)
);
CREATE TABLE IF NOT EXISTS upload_jobs (
    id TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    spec TEXT NOT NULL,
    folder TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`

// A file attached to a collection DID (or a file DID itself).
type AttachedFile struct {
	DID  string `json:"did"`
	Size int64  `json:"size"`
}

// The replica of a file at the destination RSE. An empty PFN means no replica
// has been placed there yet.
type FileReplica struct {
	DID  string
	PFN  string
	Size int64
}

// A consistent view of everything cached for one parent DID.
type Snapshot struct {
	// attached files of the parent DID, valid only if HasFiles is true
	Files    []AttachedFile
	HasFiles bool
	// replicas of the attached files (in the same order), valid only if
	// HasReplicas is true
	Replicas    []FileReplica
	HasReplicas bool
}

// Store is a handle to the persistent cache database. It is safe for
// concurrent use.
type Store struct {
	pool *sqlitex.Pool
	// database file path
	path string
	key  *fernet.Key
	// clock used for row expiry
	now func() time.Time
}

// Opens (creating if needed) the cache database in the given directory. If
// keyText is empty, a credential key is read from (or generated into) the
// data directory.
func Open(dataDir, keyText string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, &CantOpenError{Message: err.Error()}
	}
	key, err := loadKey(dataDir, keyText)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)
	pool, err := sqlitex.NewPool(dbPath, sqlitex.PoolOptions{
		PoolSize: 8,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000;", nil)
		},
	})
	if err != nil {
		return nil, &CantOpenError{Message: err.Error()}
	}

	s := &Store{pool: pool, path: dbPath, key: key, now: time.Now}
	conn, err := s.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, &CantOpenError{Message: err.Error()}
	}
	slog.Debug(fmt.Sprintf("Opened cache database %s", dbPath))
	return s, nil
}

// Closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// returns the Unix time at which a row written now expires
func (s *Store) expiry() int64 {
	return s.now().Add(CacheTTL).Unix()
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &CantOpenError{Message: err.Error()}
	}
	return conn, nil
}

//-------------
// User config
//-------------

// Sets the value for the given configuration key.
func (s *Store) PutConfig(ctx context.Context, key, value string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT INTO user_config (key, value) VALUES (?, ?)
         ON CONFLICT (key) DO UPDATE SET value = excluded.value;`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
}

// Returns the value for the given configuration key and true, or false if
// the key is absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)
	var value string
	var found bool
	err = sqlitex.Execute(conn, `SELECT value FROM user_config WHERE key = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value, found = stmt.ColumnText(0), true
				return nil
			},
		})
	return value, found, err
}

//----------------
// Attached files
//----------------

// Returns the unexpired attached-file list of the given DID and true, or false
// if there is none.
func (s *Store) GetAttachedFiles(ctx context.Context, namespace, did string) ([]AttachedFile, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)
	return s.attachedFiles(conn, namespace, did)
}

func (s *Store) attachedFiles(conn *sqlite.Conn, namespace, did string) ([]AttachedFile, bool, error) {
	var files []AttachedFile
	var found bool
	err := sqlitex.Execute(conn,
		`SELECT files FROM attached_file_cache
         WHERE namespace = ? AND did = ? AND expires_at > ?;`,
		&sqlitex.ExecOptions{
			Args: []any{namespace, did, s.now().Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return json.Unmarshal([]byte(stmt.ColumnText(0)), &files)
			},
		})
	if err != nil {
		return nil, false, err
	}
	if found && files == nil {
		files = []AttachedFile{}
	}
	return files, found, nil
}

// Replaces the attached-file list of the given DID.
func (s *Store) SetAttachedFiles(ctx context.Context, namespace, did string, files []AttachedFile) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return s.setAttachedFiles(conn, namespace, did, files)
}

func (s *Store) setAttachedFiles(conn *sqlite.Conn, namespace, did string, files []AttachedFile) error {
	if files == nil {
		files = []AttachedFile{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	return sqlitex.Execute(conn,
		`INSERT INTO attached_file_cache (namespace, did, files, expires_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (namespace, did) DO UPDATE
         SET files = excluded.files, expires_at = excluded.expires_at;`,
		&sqlitex.ExecOptions{Args: []any{namespace, did, string(data), s.expiry()}})
}

//---------------
// File replicas
//---------------

// Returns the unexpired replica of the given file DID and true, or false if
// there is none.
func (s *Store) GetFileReplica(ctx context.Context, namespace, did string) (FileReplica, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return FileReplica{}, false, err
	}
	defer s.pool.Put(conn)
	return s.fileReplica(conn, namespace, did)
}

func (s *Store) fileReplica(conn *sqlite.Conn, namespace, did string) (FileReplica, bool, error) {
	replica := FileReplica{DID: did}
	var found bool
	err := sqlitex.Execute(conn,
		`SELECT pfn, size FROM file_replica_cache
         WHERE namespace = ? AND did = ? AND expires_at > ?;`,
		&sqlitex.ExecOptions{
			Args: []any{namespace, did, s.now().Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				if stmt.ColumnType(0) != sqlite.TypeNull {
					replica.PFN = stmt.ColumnText(0)
				}
				replica.Size = stmt.ColumnInt64(1)
				return nil
			},
		})
	return replica, found, err
}

// Stores the replica of a single file.
func (s *Store) SetFileReplica(ctx context.Context, namespace string, replica FileReplica) error {
	return s.SetFileReplicasBulk(ctx, namespace, []FileReplica{replica})
}

// Stores the given replicas in a single transaction.
func (s *Store) SetFileReplicasBulk(ctx context.Context, namespace string, replicas []FileReplica) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)
	return s.setFileReplicas(conn, namespace, replicas)
}

func (s *Store) setFileReplicas(conn *sqlite.Conn, namespace string, replicas []FileReplica) error {
	expiresAt := s.expiry()
	for _, replica := range replicas {
		var pfn any
		if replica.PFN != "" {
			pfn = replica.PFN
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO file_replica_cache (namespace, did, pfn, size, expires_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT (namespace, did) DO UPDATE
             SET pfn = excluded.pfn, size = excluded.size, expires_at = excluded.expires_at;`,
			&sqlitex.ExecOptions{Args: []any{namespace, replica.DID, pfn, replica.Size, expiresAt}})
		if err != nil {
			return err
		}
	}
	return nil
}

// Stores the replicas of every file attached to parentDID along with the
// parent's attached-file list, in one transaction. Readers see either the
// previous state or all of the new one.
func (s *Store) SetReplicasAndAttachedFiles(ctx context.Context, namespace, parentDID string,
	replicas []FileReplica) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)

	if err = s.setFileReplicas(conn, namespace, replicas); err != nil {
		return err
	}
	files := make([]AttachedFile, len(replicas))
	for i, replica := range replicas {
		files[i] = AttachedFile{DID: replica.DID, Size: replica.Size}
	}
	return s.setAttachedFiles(conn, namespace, parentDID, files)
}

// Returns the attached files of the given DID and, if every one of them has a
// cached replica, those replicas, all read within a single transaction.
func (s *Store) Snapshot(ctx context.Context, namespace, did string) (snap Snapshot, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return snap, err
	}
	defer s.pool.Put(conn)
	endFn := sqlitex.Save(conn)
	defer endFn(&err)

	snap.Files, snap.HasFiles, err = s.attachedFiles(conn, namespace, did)
	if err != nil || !snap.HasFiles {
		return snap, err
	}
	snap.Replicas = make([]FileReplica, 0, len(snap.Files))
	for _, file := range snap.Files {
		replica, found, err := s.fileReplica(conn, namespace, file.DID)
		if err != nil {
			return snap, err
		}
		if !found {
			snap.Replicas = nil
			return snap, nil
		}
		snap.Replicas = append(snap.Replicas, replica)
	}
	snap.HasReplicas = true
	return snap, nil
}

//-------------------
// Replication rules
//-------------------

// Returns the cached replication rule ID for the given DID and true, or false
// if there is none.
func (s *Store) GetReplicationRule(ctx context.Context, namespace, did string) (string, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)
	var ruleId string
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT rule_id FROM replication_rule_cache
         WHERE namespace = ? AND did = ? AND expires_at > ?;`,
		&sqlitex.ExecOptions{
			Args: []any{namespace, did, s.now().Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ruleId, found = stmt.ColumnText(0), true
				return nil
			},
		})
	return ruleId, found, err
}

// Caches the replication rule ID for the given DID.
func (s *Store) SetReplicationRule(ctx context.Context, namespace, did, ruleId string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT INTO replication_rule_cache (namespace, did, rule_id, expires_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (namespace, did) DO UPDATE
         SET rule_id = excluded.rule_id, expires_at = excluded.expires_at;`,
		&sqlitex.ExecOptions{Args: []any{namespace, did, ruleId, s.expiry()}})
}

// Forgets the cached replication rule ID for the given DID.
func (s *Store) DeleteReplicationRule(ctx context.Context, namespace, did string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`DELETE FROM replication_rule_cache WHERE namespace = ? AND did = ?;`,
		&sqlitex.ExecOptions{Args: []any{namespace, did}})
}

// Drops every cached attached-file, replica and replication rule row.
func (s *Store) PurgeCache(ctx context.Context) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)
	for _, table := range []string{"file_replica_cache", "attached_file_cache", "replication_rule_cache"} {
		if err = sqlitex.Execute(conn, "DELETE FROM "+table+";", nil); err != nil {
			return err
		}
	}
	slog.Info("Purged replica cache")
	return nil
}

//-----------
// Internals
//-----------

// decodes the given fernet key, or loads/generates one within the data
// directory
func loadKey(dataDir, keyText string) (*fernet.Key, error) {
	if keyText == "" {
		path := filepath.Join(dataDir, keyFile)
		data, err := os.ReadFile(path)
		if err == nil {
			keyText = strings.TrimSpace(string(data))
		} else {
			var key fernet.Key
			if err := key.Generate(); err != nil {
				return nil, &CredentialsError{Message: err.Error()}
			}
			keyText = key.Encode()
			if err := os.WriteFile(path, []byte(keyText), 0600); err != nil {
				return nil, &CredentialsError{Message: err.Error()}
			}
			slog.Info(fmt.Sprintf("Generated credential key %s", path))
		}
	}
	key, err := fernet.DecodeKey(keyText)
	if err != nil {
		return nil, &CredentialsError{Message: "invalid credential key: " + err.Error()}
	}
	return key, nil
}
