package rewrite

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"jellyswarrm/pkg/storage"
	"jellyswarrm/pkg/urlutil"
)

// Processor rewrites outbound requests into a chosen upstream's
// namespace: known virtual ids become original ids, and user id fields
// become the session's upstream user id.
type Processor struct {
	store *storage.Storage
}

// NewProcessor builds a processor over the mapping store.
func NewProcessor(store *storage.Storage) *Processor {
	return &Processor{store: store}
}

// RewriteBody maps ids in a JSON body. Bytes outside replaced leaves
// are untouched. session may be nil when the request is anonymous.
func (p *Processor) RewriteBody(ctx context.Context, body []byte, session *storage.AuthSession) ([]byte, bool, error) {
	out, modified, err := Walk(body, func(_, key string, value gjson.Result) (string, bool) {
		if value.Type != gjson.String {
			return "", false
		}
		if replacement, ok := p.rewriteValue(ctx, key, value.String(), session); ok {
			return quote(replacement), true
		}
		return "", false
	})
	return out, modified, trace.Wrap(err)
}

// RewritePath replaces virtual ids embedded in the URL path with their
// originals, and user segments with the session's upstream user id.
func (p *Processor) RewritePath(ctx context.Context, path string, session *storage.AuthSession) (string, bool) {
	segments := strings.Split(path, "/")
	modified := false
	for i := 0; i+1 < len(segments); i++ {
		name, id := segments[i], segments[i+1]
		if !IsPathContainer(name) || !urlutil.IsIDLike(id) {
			continue
		}
		key := "Id"
		if strings.EqualFold(name, "Users") {
			key = "UserId"
		}
		if replacement, ok := p.rewriteValue(ctx, key, id, session); ok {
			segments[i+1] = replacement
			modified = true
		}
	}
	if !modified {
		return path, false
	}
	return strings.Join(segments, "/"), true
}

// RewriteQuery maps recognized id and user keys in the query string.
func (p *Processor) RewriteQuery(ctx context.Context, query url.Values, session *storage.AuthSession) (url.Values, bool) {
	modified := false
	for key, values := range query {
		for i, value := range values {
			if replacement, ok := p.rewriteValue(ctx, key, value, session); ok {
				values[i] = replacement
				modified = true
			}
		}
		query[key] = values
	}
	return query, modified
}

// rewriteValue maps one (key, value) pair into the upstream namespace.
func (p *Processor) rewriteValue(ctx context.Context, key, value string, session *storage.AuthSession) (string, bool) {
	switch {
	case IsIDField(key):
		if mapping, err := p.store.GetMediaMapping(ctx, value); err == nil {
			return mapping.OriginalID, true
		}
	case IsUserField(key):
		if session != nil && session.UpstreamUserID != "" {
			return session.UpstreamUserID, true
		}
	}
	// Session ids travel unchanged: upstreams issued them.
	return "", false
}

func quote(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}
