package rewrite

import (
	"context"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"jellyswarrm/pkg/playsession"
	"jellyswarrm/pkg/storage"
	"jellyswarrm/pkg/urlutil"
)

// Analysis accumulates the evidence harvested from one request: the
// raw identifiers seen, plus every server and user they resolved to,
// in the order seen.
type Analysis struct {
	FoundIDs        []string
	FoundSessionIDs []string
	FoundUserIDs    []string
	Servers         []storage.Server
	Users           []storage.User
}

// Server returns the most frequently seen server; ties go to the one
// seen first. Nil when no evidence resolved.
func (a *Analysis) Server() *storage.Server {
	idx := modeIndex(len(a.Servers), func(i, j int) bool { return a.Servers[i].ID == a.Servers[j].ID })
	if idx < 0 {
		return nil
	}
	return &a.Servers[idx]
}

// User returns the most frequently seen user, first seen on ties.
func (a *Analysis) User() *storage.User {
	idx := modeIndex(len(a.Users), func(i, j int) bool { return a.Users[i].ID == a.Users[j].ID })
	if idx < 0 {
		return nil
	}
	return &a.Users[idx]
}

// modeIndex returns the index of the first element of the most frequent
// equivalence class, or -1 for an empty slice.
func modeIndex(n int, equal func(i, j int) bool) int {
	if n == 0 {
		return -1
	}
	bestIdx, bestCount := -1, 0
	for i := 0; i < n; i++ {
		// Skip elements that already belong to a counted class.
		seen := false
		for j := 0; j < i; j++ {
			if equal(i, j) {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		count := 1
		for j := i + 1; j < n; j++ {
			if equal(i, j) {
				count++
			}
		}
		if count > bestCount {
			bestIdx, bestCount = i, count
		}
	}
	return bestIdx
}

// Analyzer harvests routing evidence from request bodies, URL paths and
// query strings. It only reads; documents are never modified.
type Analyzer struct {
	store    *storage.Storage
	sessions *playsession.Registry
}

// NewAnalyzer builds an analyzer over the given stores.
func NewAnalyzer(store *storage.Storage, sessions *playsession.Registry) *Analyzer {
	return &Analyzer{store: store, sessions: sessions}
}

// AnalyzeBody walks a JSON body and appends evidence to analysis.
func (a *Analyzer) AnalyzeBody(ctx context.Context, body []byte, analysis *Analysis) error {
	_, _, err := Walk(body, func(_, key string, value gjson.Result) (string, bool) {
		if value.Type != gjson.String {
			return "", false
		}
		a.recordEvidence(ctx, key, value.String(), analysis)
		return "", false
	})
	return trace.Wrap(err)
}

// AnalyzePath inspects URL path segments adjacent to recognized
// container names and appends evidence.
func (a *Analyzer) AnalyzePath(ctx context.Context, path string, analysis *Analysis) {
	segments := strings.Split(path, "/")
	for i := 0; i+1 < len(segments); i++ {
		name, id := segments[i], segments[i+1]
		if !IsPathContainer(name) || !urlutil.IsIDLike(id) {
			continue
		}
		if strings.EqualFold(name, "Users") {
			a.recordEvidence(ctx, "UserId", id, analysis)
		} else {
			a.recordEvidence(ctx, "Id", id, analysis)
		}
	}
}

// AnalyzeQuery treats recognized id/session/user names appearing as
// query keys exactly like body fields.
func (a *Analyzer) AnalyzeQuery(ctx context.Context, query url.Values, analysis *Analysis) {
	for key, values := range query {
		for _, value := range values {
			a.recordEvidence(ctx, key, value, analysis)
		}
	}
}

func (a *Analyzer) recordEvidence(ctx context.Context, key, value string, analysis *Analysis) {
	switch {
	case IsIDField(key):
		analysis.FoundIDs = append(analysis.FoundIDs, value)
		if _, srv, err := a.store.GetMediaMappingWithServer(ctx, value); err == nil {
			analysis.Servers = append(analysis.Servers, *srv)
		}
	case IsSessionField(key):
		analysis.FoundSessionIDs = append(analysis.FoundSessionIDs, value)
		if session, ok := a.sessions.Get(value); ok {
			analysis.Servers = append(analysis.Servers, session.Server)
		}
	case IsUserField(key):
		analysis.FoundUserIDs = append(analysis.FoundUserIDs, value)
		if user, err := a.store.GetUserByVirtualID(ctx, value); err == nil {
			analysis.Users = append(analysis.Users, *user)
		}
	}
}
