package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"jellyswarrm/pkg/mediabrowser"
	"jellyswarrm/pkg/rewrite"
	"jellyswarrm/pkg/storage"
	"jellyswarrm/pkg/urlutil"
)

// maxBodySize caps buffered request and response bodies (10 MiB).
// Media payloads never pass through the JSON pipeline.
const maxBodySize = 10 << 20

// PreprocessedRequest is the outcome of mapping an inbound request into
// a chosen upstream's namespace: the rewritten request ready to
// forward, plus the identities it was resolved against.
type PreprocessedRequest struct {
	// Request targets the chosen upstream with rewritten path, query,
	// body and authorization.
	Request *http.Request
	// Body is the rewritten body, empty when the inbound had none.
	Body []byte

	User     *storage.User
	Server   *storage.Server
	Session  *storage.AuthSession
	Sessions []storage.SessionWithServer

	// Auth is the inbound credential string, NewAuth the remapped one
	// sent upstream.
	Auth    *mediabrowser.Authorization
	NewAuth *mediabrowser.Authorization
}

type preprocessOptions struct {
	requireAuth   bool
	defaultServer bool
}

// PreprocessOption tweaks upstream selection.
type PreprocessOption func(*preprocessOptions)

// RequireAuth makes a missing session on the chosen upstream fatal.
func RequireAuth() PreprocessOption {
	return func(o *preprocessOptions) { o.requireAuth = true }
}

// FallbackToDefaultServer routes evidence-free requests to the highest
// priority healthy server instead of failing. The system info endpoints
// and the generic forward use this.
func FallbackToDefaultServer() PreprocessOption {
	return func(o *preprocessOptions) { o.defaultServer = true }
}

// Preprocess classifies the inbound request, picks the upstream that
// owns the referenced entities, and rewrites URL, headers and body into
// that upstream's namespace.
func (a *App) Preprocess(r *http.Request, opts ...PreprocessOption) (*PreprocessedRequest, error) {
	var options preprocessOptions
	for _, opt := range opts {
		opt(&options)
	}
	ctx := r.Context()
	pre := &PreprocessedRequest{}

	// Parse authorization; a missing header only matters when the
	// request turns out to need a session.
	if auth, err := mediabrowser.FromRequestHeaders(r.Header.Get); err == nil {
		pre.Auth = auth
	}

	// The token identifies the virtual user and their sessions.
	if pre.Auth != nil && pre.Auth.Token != "" {
		user, err := a.Store.GetUserByToken(ctx, pre.Auth.Token)
		if err != nil {
			if !trace.IsNotFound(err) {
				return nil, trace.Wrap(err)
			}
			if options.requireAuth {
				return nil, trace.AccessDenied("invalid token")
			}
		} else {
			pre.User = user
			sessions, err := a.Store.GetUserSessions(ctx, user.ID, pre.Auth.Token)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			pre.Sessions = sessions
		}
	}
	if options.requireAuth && pre.User == nil {
		return nil, trace.AccessDenied("authentication required")
	}

	// Harvest evidence from body, URL path and query string.
	var analysis rewrite.Analysis
	body, err := readBody(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bodyIsJSON := len(body) > 0 && looksLikeJSON(r.Header.Get("Content-Type"), body)
	if bodyIsJSON {
		if err := a.analyzer.AnalyzeBody(ctx, body, &analysis); err != nil {
			return nil, trace.BadParameter("malformed request body: %v", err)
		}
	}
	a.analyzer.AnalyzePath(ctx, r.URL.Path, &analysis)
	a.analyzer.AnalyzeQuery(ctx, r.URL.Query(), &analysis)

	// Choose the upstream: body vote, then the freshest bound session,
	// then the inventory default when the caller allows it.
	pre.Server = analysis.Server()
	if pre.Server == nil && len(pre.Sessions) > 0 {
		pre.Server = &pre.Sessions[0].Server
	}
	if pre.Server == nil && options.defaultServer {
		servers, err := a.Store.ListServers(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for i := range servers {
			if servers[i].Healthy {
				pre.Server = &servers[i]
				break
			}
		}
	}
	if pre.Server == nil {
		return nil, trace.NotFound("no upstream server owns this request")
	}

	// Select the session on the chosen upstream.
	for i := range pre.Sessions {
		if urlutil.SameServer(pre.Sessions[i].Server.URL, pre.Server.URL) {
			pre.Session = &pre.Sessions[i].Session
			break
		}
	}
	if options.requireAuth && pre.Session == nil {
		return nil, trace.AccessDenied("no session on upstream %v", pre.Server.Name)
	}

	// Remap authorization: client identity is inherited, the token is
	// the upstream's.
	if pre.Session != nil {
		if pre.Auth != nil {
			pre.NewAuth = pre.Auth.WithToken(pre.Session.UpstreamToken)
		} else {
			pre.NewAuth = &mediabrowser.Authorization{Token: pre.Session.UpstreamToken}
		}
		// Activity keeps the session the freshest for its tuple.
		if err := a.Store.TouchSession(ctx, pre.Session.ID); err != nil {
			a.log.WithError(err).Warn("Failed to refresh session.")
		}
	}

	// Rewrite URL path and query into the upstream namespace.
	path, _ := a.processor.RewritePath(ctx, r.URL.Path, pre.Session)
	query, _ := a.processor.RewriteQuery(ctx, r.URL.Query(), pre.Session)

	// Rewrite the body.
	if bodyIsJSON {
		rewritten, modified, err := a.processor.RewriteBody(ctx, body, pre.Session)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if modified {
			body = rewritten
		}
	}
	pre.Body = body

	// Retarget at the chosen upstream, preserving the rewritten path
	// and query under the upstream's base path.
	target, err := url.Parse(pre.Server.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = query.Encode()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bodyReader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	copyHeaders(out.Header, r.Header)
	stripAuthHeaders(out.Header)
	if pre.NewAuth != nil {
		out.Header.Set("Authorization", pre.NewAuth.String())
	}
	if len(body) > 0 {
		out.Header.Set("Content-Length", strconv.Itoa(len(body)))
		out.ContentLength = int64(len(body))
	}
	pre.Request = out
	return pre, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.Body.Close()
	return body, nil
}

// restoreBody puts a buffered body back so the request can be read
// again downstream.
func restoreBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
}

func looksLikeJSON(contentType string, body []byte) bool {
	if strings.Contains(contentType, "application/json") {
		return true
	}
	if contentType != "" {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// stripAuthHeaders removes every client-side credential header; the
// remapped authorization is injected afterwards.
func stripAuthHeaders(h http.Header) {
	h.Del("Authorization")
	h.Del("X-Emby-Authorization")
	h.Del("X-Emby-Token")
	h.Del("X-MediaBrowser-Token")
}

// copyHeaders copies HTTP headers, excluding hop-by-hop headers that
// should not be forwarded between connections.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch strings.ToLower(k) {
		case "connection", "keep-alive", "transfer-encoding",
			"te", "trailer", "upgrade", "host", "content-length":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
