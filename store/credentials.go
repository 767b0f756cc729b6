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

package store

import (
	"context"

	"github.com/fernet/fernet-go"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Returns the stored credential parameters for the given namespace and auth
// type and true, or false if none are stored.
func (s *Store) GetRucioAuthCredentials(ctx context.Context, namespace, authType string) (map[string]string, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var token string
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT params FROM rucio_auth_credentials WHERE namespace = ? AND auth_type = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{namespace, authType},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token, found = stmt.ColumnText(0), true
				return nil
			},
		})
	if err != nil || !found {
		return nil, false, err
	}

	plaintext := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{s.key})
	if plaintext == nil {
		return nil, false, &CredentialsError{
			Message: "stored credentials can't be decrypted with the current key",
		}
	}
	var params map[string]string
	if err := json.Unmarshal(plaintext, &params); err != nil {
		return nil, false, &CredentialsError{Message: err.Error()}
	}
	return params, true, nil
}

// Stores (encrypted) credential parameters for the given namespace and auth
// type, replacing any existing ones.
func (s *Store) SetRucioAuthCredentials(ctx context.Context, namespace, authType string, params map[string]string) error {
	plaintext, err := json.Marshal(params)
	if err != nil {
		return &CredentialsError{Message: err.Error()}
	}
	token, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return &CredentialsError{Message: err.Error()}
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT INTO rucio_auth_credentials (namespace, auth_type, params) VALUES (?, ?, ?)
         ON CONFLICT (namespace, auth_type) DO UPDATE SET params = excluded.params;`,
		&sqlitex.ExecOptions{Args: []any{namespace, authType, string(token)}})
}
