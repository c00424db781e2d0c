package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Media mapping kinds.
const (
	KindItem        = "item"
	KindMediaSource = "media-source"
)

// MediaMapping binds a virtual id to the original id on one upstream.
type MediaMapping struct {
	ID         int64
	VirtualID  string
	OriginalID string
	ServerID   int64
	Kind       string
	CreatedAt  time.Time
}

// NewVirtualID mints a 32-hex-character id. It is UUID-shaped so clients
// never reject it; only provenance tells it apart from an upstream id.
func NewVirtualID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PutMediaMapping returns the virtual id for (originalID, serverID),
// minting and persisting a fresh one if none exists. The insert-or-fetch
// is a single statement pair under sqlite's writer lock, so two
// concurrent puts for the same pair land on one row and both callers
// get the same virtual id.
func (s *Storage) PutMediaMapping(ctx context.Context, originalID string, serverID int64, kind string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_mappings (virtual_id, original_id, server_id, kind, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(original_id, server_id) DO NOTHING`,
		NewVirtualID(), originalID, serverID, kind, s.clock.Now().UTC())
	if err != nil {
		return "", trace.Wrap(err)
	}
	var virtualID string
	err = s.db.QueryRowContext(ctx,
		`SELECT virtual_id FROM media_mappings WHERE original_id = ? AND server_id = ?`,
		originalID, serverID).Scan(&virtualID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return virtualID, nil
}

// GetVirtualID looks up the virtual id for an original id on a server.
func (s *Storage) GetVirtualID(ctx context.Context, originalID string, serverID int64) (string, error) {
	var virtualID string
	err := s.db.QueryRowContext(ctx,
		`SELECT virtual_id FROM media_mappings WHERE original_id = ? AND server_id = ?`,
		originalID, serverID).Scan(&virtualID)
	if err == sql.ErrNoRows {
		return "", trace.NotFound("no mapping for original id %v on server %v", originalID, serverID)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return virtualID, nil
}

// GetMediaMapping resolves a virtual id back to its mapping.
func (s *Storage) GetMediaMapping(ctx context.Context, virtualID string) (*MediaMapping, error) {
	var m MediaMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT id, virtual_id, original_id, server_id, kind, created_at
		 FROM media_mappings WHERE virtual_id = ?`, virtualID).
		Scan(&m.ID, &m.VirtualID, &m.OriginalID, &m.ServerID, &m.Kind, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no mapping for virtual id %v", virtualID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// GetMediaMappingWithServer resolves a virtual id to its mapping joined
// with the owning server.
func (s *Storage) GetMediaMappingWithServer(ctx context.Context, virtualID string) (*MediaMapping, *Server, error) {
	var m MediaMapping
	var srv Server
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.virtual_id, m.original_id, m.server_id, m.kind, m.created_at,
		        s.id, s.name, s.url, s.priority, s.healthy, s.created_at
		 FROM media_mappings m JOIN servers s ON s.id = m.server_id
		 WHERE m.virtual_id = ?`, virtualID).
		Scan(&m.ID, &m.VirtualID, &m.OriginalID, &m.ServerID, &m.Kind, &m.CreatedAt,
			&srv.ID, &srv.Name, &srv.URL, &srv.Priority, &srv.Healthy, &srv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, trace.NotFound("no mapping for virtual id %v", virtualID)
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &m, &srv, nil
}
