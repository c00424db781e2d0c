package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"

	"jellyswarrm/pkg/urlutil"
)

// Server is one upstream Jellyfin instance behind the proxy.
type Server struct {
	ID        int64
	Name      string
	URL       string
	Priority  int
	Healthy   bool
	CreatedAt time.Time
}

// AddServer registers an upstream. The URL is normalized before use, so
// two spellings of the same base URL collide on the unique constraint.
func (s *Storage) AddServer(ctx context.Context, name, rawURL string, priority int) (*Server, error) {
	normalized, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (name, url, priority, healthy, created_at) VALUES (?, ?, ?, 1, ?)`,
		name, normalized, priority, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{ID: id, Name: name, URL: normalized, Priority: priority, Healthy: true, CreatedAt: now}, nil
}

// ListServers returns the inventory ordered by priority, then name.
func (s *Storage) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, priority, healthy, created_at FROM servers ORDER BY priority DESC, name`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.URL, &srv.Priority, &srv.Healthy, &srv.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		servers = append(servers, srv)
	}
	return servers, trace.Wrap(rows.Err())
}

// GetServer fetches a server by row id.
func (s *Storage) GetServer(ctx context.Context, id int64) (*Server, error) {
	return s.scanServer(s.db.QueryRowContext(ctx,
		`SELECT id, name, url, priority, healthy, created_at FROM servers WHERE id = ?`, id))
}

// GetServerByURL fetches a server by base URL, normalizing first.
func (s *Storage) GetServerByURL(ctx context.Context, rawURL string) (*Server, error) {
	normalized, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.scanServer(s.db.QueryRowContext(ctx,
		`SELECT id, name, url, priority, healthy, created_at FROM servers WHERE url = ?`, normalized))
}

// SetServerHealth records the health oracle's verdict for a server.
func (s *Storage) SetServerHealth(ctx context.Context, id int64, healthy bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET healthy = ? WHERE id = ?`, healthy, id)
	return trace.Wrap(err)
}

// RemoveServer deletes a server; mappings, sessions and media mappings
// referencing it cascade away.
func (s *Storage) RemoveServer(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	return trace.Wrap(err)
}

func (s *Storage) scanServer(row *sql.Row) (*Server, error) {
	var srv Server
	err := row.Scan(&srv.ID, &srv.Name, &srv.URL, &srv.Priority, &srv.Healthy, &srv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("server not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &srv, nil
}
