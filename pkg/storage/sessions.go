package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
)

// AuthSession is a live session between a virtual user and one
// upstream: the proxy-issued virtual token plus the upstream-issued
// token, session id and user id. The freshest row per (user, server)
// supersedes older ones.
type AuthSession struct {
	ID                int64
	UserID            int64
	ServerID          int64
	VirtualToken      string
	UpstreamToken     string
	UpstreamSessionID string
	UpstreamUserID    string
	UpdatedAt         time.Time
}

// SessionWithServer joins a session with its server row.
type SessionWithServer struct {
	Session AuthSession
	Server  Server
}

// PutSession records a session created by authenticating against an
// upstream. The insert is atomic; a request task cancelled mid-flight
// leaves either the full row or nothing.
func (s *Storage) PutSession(ctx context.Context, userID, serverID int64, virtualToken, upstreamToken, upstreamSessionID, upstreamUserID string) (*AuthSession, error) {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions
		 (user_id, server_id, virtual_token, upstream_token, upstream_session_id, upstream_user_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, serverID, virtualToken, upstreamToken, upstreamSessionID, upstreamUserID, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthSession{
		ID: id, UserID: userID, ServerID: serverID,
		VirtualToken: virtualToken, UpstreamToken: upstreamToken,
		UpstreamSessionID: upstreamSessionID, UpstreamUserID: upstreamUserID,
		UpdatedAt: now,
	}, nil
}

// TouchSession refreshes a session's updated_at so activity keeps it
// the freshest for its (user, server) tuple.
func (s *Storage) TouchSession(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET updated_at = ? WHERE id = ?`, s.clock.Now().UTC(), sessionID)
	return trace.Wrap(err)
}

// GetUserSessions returns a user's sessions joined with their servers,
// ordered by updated_at descending. With a non-empty tokenFilter only
// sessions issued under that virtual token are returned. Callers take
// the first entry per server as the live session.
func (s *Storage) GetUserSessions(ctx context.Context, userID int64, tokenFilter string) ([]SessionWithServer, error) {
	query := `SELECT a.id, a.user_id, a.server_id, a.virtual_token, a.upstream_token,
	                 a.upstream_session_id, a.upstream_user_id, a.updated_at,
	                 s.id, s.name, s.url, s.priority, s.healthy, s.created_at
	          FROM auth_sessions a JOIN servers s ON s.id = a.server_id
	          WHERE a.user_id = ?`
	args := []any{userID}
	if tokenFilter != "" {
		query += ` AND a.virtual_token = ?`
		args = append(args, tokenFilter)
	}
	query += ` ORDER BY a.updated_at DESC, a.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var sessions []SessionWithServer
	for rows.Next() {
		var sw SessionWithServer
		if err := rows.Scan(
			&sw.Session.ID, &sw.Session.UserID, &sw.Session.ServerID,
			&sw.Session.VirtualToken, &sw.Session.UpstreamToken,
			&sw.Session.UpstreamSessionID, &sw.Session.UpstreamUserID, &sw.Session.UpdatedAt,
			&sw.Server.ID, &sw.Server.Name, &sw.Server.URL,
			&sw.Server.Priority, &sw.Server.Healthy, &sw.Server.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		sessions = append(sessions, sw)
	}
	return sessions, trace.Wrap(rows.Err())
}

// GetUserByToken resolves a virtual access token to its user.
func (s *Storage) GetUserByToken(ctx context.Context, virtualToken string) (*User, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM auth_sessions WHERE virtual_token = ?
		 ORDER BY updated_at DESC LIMIT 1`, virtualToken).Scan(&userID)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("unknown token")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.GetUser(ctx, userID)
}

// GetUserByUpstreamUserID resolves an upstream user id on a server back
// to the virtual user it is mapped for, via the freshest session.
func (s *Storage) GetUserByUpstreamUserID(ctx context.Context, serverID int64, upstreamUserID string) (*User, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM auth_sessions WHERE server_id = ? AND upstream_user_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, serverID, upstreamUserID).Scan(&userID)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no session for upstream user %v", upstreamUserID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.GetUser(ctx, userID)
}

// DeleteUserSessions invalidates every session of a user, across all
// upstreams and tokens.
func (s *Storage) DeleteUserSessions(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, userID)
	return trace.Wrap(err)
}

// DeleteSessionsByToken invalidates the sessions issued under one
// virtual token.
func (s *Storage) DeleteSessionsByToken(ctx context.Context, virtualToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE virtual_token = ?`, virtualToken)
	return trace.Wrap(err)
}
