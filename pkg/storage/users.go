package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"jellyswarrm/pkg/secrets"
	"jellyswarrm/pkg/urlutil"
)

// User is an identity in the proxy's namespace. VirtualID is the
// UUID-shaped id exposed to clients; the numeric row id never leaves
// the process.
type User struct {
	ID        int64
	VirtualID string
	Name      string
	CreatedAt time.Time

	passwordHash string
}

// ServerMapping binds a user to credentials on one upstream. The mapped
// password is sealed under the user's and the admin's passwords.
type ServerMapping struct {
	ID             int64
	UserID         int64
	ServerID       int64
	MappedUsername string
	SealedPassword []byte
}

// CreateUser provisions a virtual user.
func (s *Storage) CreateUser(ctx context.Context, name, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	virtualID := NewVirtualID()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (virtual_id, name, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		virtualID, name, string(hash), now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &User{ID: id, VirtualID: virtualID, Name: name, CreatedAt: now, passwordHash: string(hash)}, nil
}

// AuthenticateUser verifies the credentials and returns the user.
// bcrypt's comparison is constant-time; a miss and a bad password are
// indistinguishable to the caller.
func (s *Storage) AuthenticateUser(ctx context.Context, name, password string) (*User, error) {
	user, err := s.GetUserByName(ctx, name)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid username or password")
		}
		return nil, trace.Wrap(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)) != nil {
		return nil, trace.AccessDenied("invalid username or password")
	}
	return user, nil
}

// VerifyUserPassword checks a password against the stored hash.
func (s *Storage) VerifyUserPassword(ctx context.Context, userID int64, password string) error {
	user, err := s.getUser(ctx, `id = ?`, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.passwordHash), []byte(password)) != nil {
		return trace.AccessDenied("invalid password")
	}
	return nil
}

// UpdateUserPassword changes a user's password. Every server-mapping
// ciphertext is unsealed with the old password and resealed with the
// new one, and all of the user's sessions are invalidated.
func (s *Storage) UpdateUserPassword(ctx context.Context, userID int64, oldPassword, newPassword, adminPassword string) error {
	if err := s.VerifyUserPassword(ctx, userID, oldPassword); err != nil {
		return trace.Wrap(err)
	}
	mappings, err := s.ListServerMappings(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}

	type resealed struct {
		id   int64
		blob []byte
	}
	reseal := make([]resealed, 0, len(mappings))
	for _, m := range mappings {
		cleartext, err := secrets.Open(m.SealedPassword, oldPassword, adminPassword)
		if err != nil {
			return trace.Wrap(err)
		}
		blob, err := secrets.Seal(cleartext, newPassword, adminPassword)
		if err != nil {
			return trace.Wrap(err)
		}
		reseal = append(reseal, resealed{id: m.ID, blob: blob})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return trace.Wrap(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	for _, r := range reseal {
		if _, err := tx.ExecContext(ctx,
			`UPDATE server_mappings SET sealed_password = ? WHERE id = ?`, r.blob, r.id); err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, string(hash), userID); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE user_id = ?`, userID); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// GetUserByName fetches a user by display name.
func (s *Storage) GetUserByName(ctx context.Context, name string) (*User, error) {
	return s.getUser(ctx, `name = ?`, name)
}

// GetUserByVirtualID fetches a user by the id clients see.
func (s *Storage) GetUserByVirtualID(ctx context.Context, virtualID string) (*User, error) {
	return s.getUser(ctx, `virtual_id = ?`, virtualID)
}

// GetUser fetches a user by row id.
func (s *Storage) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

// DeleteUser removes a user; mappings and sessions cascade away.
func (s *Storage) DeleteUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return trace.Wrap(err)
}

func (s *Storage) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, virtual_id, name, password_hash, created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.VirtualID, &u.Name, &u.passwordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("user not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// CreateServerMapping binds a user to upstream credentials. The mapped
// password is sealed before it touches disk; at most one mapping per
// (user, server) exists, later writes replace the credentials.
func (s *Storage) CreateServerMapping(ctx context.Context, userID, serverID int64, mappedUsername, mappedPassword, userPassword, adminPassword string) (*ServerMapping, error) {
	if err := s.VerifyUserPassword(ctx, userID, userPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	blob, err := secrets.Seal(mappedPassword, userPassword, adminPassword)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO server_mappings (user_id, server_id, mapped_username, sealed_password)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, server_id) DO UPDATE
		 SET mapped_username = excluded.mapped_username, sealed_password = excluded.sealed_password`,
		userID, serverID, mappedUsername, blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.GetServerMapping(ctx, userID, serverID)
}

// GetServerMapping fetches the mapping between a user and a server.
func (s *Storage) GetServerMapping(ctx context.Context, userID, serverID int64) (*ServerMapping, error) {
	var m ServerMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, server_id, mapped_username, sealed_password
		 FROM server_mappings WHERE user_id = ? AND server_id = ?`, userID, serverID).
		Scan(&m.ID, &m.UserID, &m.ServerID, &m.MappedUsername, &m.SealedPassword)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no mapping for user %v on server %v", userID, serverID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// GetServerMappingByURL fetches the mapping between a user and the
// server registered under the given base URL.
func (s *Storage) GetServerMappingByURL(ctx context.Context, userID int64, serverURL string) (*ServerMapping, error) {
	normalized, err := urlutil.Normalize(serverURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	srv, err := s.GetServerByURL(ctx, normalized)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.GetServerMapping(ctx, userID, srv.ID)
}

// ListServerMappings returns all of a user's mappings.
func (s *Storage) ListServerMappings(ctx context.Context, userID int64) ([]ServerMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, server_id, mapped_username, sealed_password
		 FROM server_mappings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var mappings []ServerMapping
	for rows.Next() {
		var m ServerMapping
		if err := rows.Scan(&m.ID, &m.UserID, &m.ServerID, &m.MappedUsername, &m.SealedPassword); err != nil {
			return nil, trace.Wrap(err)
		}
		mappings = append(mappings, m)
	}
	return mappings, trace.Wrap(rows.Err())
}

// DecryptServerMappingPassword unseals a mapping's upstream password.
// Failure signals corruption or a wrong password and is not recovered;
// the caller treats the mapping as missing.
func (s *Storage) DecryptServerMappingPassword(m *ServerMapping, userPassword, adminPassword string) (string, error) {
	cleartext, err := secrets.Open(m.SealedPassword, userPassword, adminPassword)
	return cleartext, trace.Wrap(err)
}
