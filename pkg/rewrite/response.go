package rewrite

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"jellyswarrm/pkg/storage"
	"jellyswarrm/pkg/urlutil"
)

// ResponseRewriter maps upstream responses into the virtual namespace.
// Id leaves are replaced with virtual ids, minting mappings inline, so
// the same original id yields the same virtual id within a response and
// across all future ones. Upstream user ids become virtual user ids.
type ResponseRewriter struct {
	store *storage.Storage
}

// NewResponseRewriter builds a rewriter over the stores.
func NewResponseRewriter(store *storage.Storage) *ResponseRewriter {
	return &ResponseRewriter{store: store}
}

// Rewrite maps a JSON response body from server's namespace into the
// virtual one. Non-UUID-shaped id values (image tags, names) are left
// alone. Bytes outside replaced leaves are untouched.
func (rr *ResponseRewriter) Rewrite(ctx context.Context, body []byte, server *storage.Server) ([]byte, bool, error) {
	var firstErr error
	out, modified, err := Walk(body, func(path, key string, value gjson.Result) (string, bool) {
		if value.Type != gjson.String {
			return "", false
		}
		switch {
		case IsIDField(key):
			original := value.String()
			if !urlutil.IsIDLike(original) {
				return "", false
			}
			virtualID, err := rr.store.PutMediaMapping(ctx, original, server.ID, mappingKind(path, key))
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return "", false
			}
			return quote(virtualID), true
		case IsUserField(key):
			user, err := rr.store.GetUserByUpstreamUserID(ctx, server.ID, value.String())
			if err != nil {
				// An upstream user nobody is mapped to stays as-is.
				return "", false
			}
			return quote(user.VirtualID), true
		}
		return "", false
	})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if firstErr != nil {
		return nil, false, trace.Wrap(firstErr)
	}
	return out, modified, nil
}

// mappingKind distinguishes media sources from items: MediaSourceId
// fields and ids inside a MediaSources array bind streams, everything
// else is an item.
func mappingKind(path, key string) string {
	if strings.EqualFold(key, "MediaSourceId") || strings.Contains(path, "MediaSources") {
		return storage.KindMediaSource
	}
	return storage.KindItem
}
