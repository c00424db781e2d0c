package proxy

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// ServeHTTP is the generic forward: preprocess, execute against the
// chosen upstream, rewrite the response into the virtual namespace.
// Routes with special semantics are registered explicitly and never
// reach this handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pre, err := a.Preprocess(r, FallbackToDefaultServer())
	if err != nil {
		a.log.WithError(err).WithField("path", r.URL.Path).Debug("Preprocessing failed.")
		WriteError(w, err)
		return
	}

	resp, err := a.forward(pre)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer resp.Body.Close()

	a.writeResponse(w, r, resp, pre)
}

// forward executes a preprocessed request through the cached client
// handle for the chosen upstream.
func (a *App) forward(pre *PreprocessedRequest) (*http.Response, error) {
	userKey := ""
	if pre.User != nil {
		userKey = pre.User.VirtualID
	}
	client, err := a.Clients.Get(pre.Server.URL, clientInfo(pre.Auth), userKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if pre.Session != nil {
		client.SetToken(pre.Session.UpstreamToken)
	}

	a.log.WithField("method", pre.Request.Method).
		WithField("url", pre.Request.URL.String()).
		WithField("server", pre.Server.Name).
		Debug("Forwarding request.")

	resp, err := client.HTTPClient().Do(pre.Request)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "upstream %v unreachable", pre.Server.Name)
	}
	return resp, nil
}

// writeResponse relays an upstream response to the client. JSON bodies
// are buffered and rewritten into the virtual namespace; everything
// else, including streams, passes through untouched.
func (a *App) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, pre *PreprocessedRequest) {
	if !isJSONResponse(resp) {
		copyHeaders(w.Header(), resp.Header)
		if resp.ContentLength >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
		}
		w.WriteHeader(resp.StatusCode)
		streamResponse(w, resp.Body)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		WriteError(w, trace.ConnectionProblem(err, "reading upstream response"))
		return
	}
	rewritten, modified, err := a.responses.Rewrite(r.Context(), body, pre.Server)
	if err != nil {
		a.log.WithError(err).Warn("Response rewrite failed, relaying as-is.")
	} else if modified {
		body = rewritten
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func readAllLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	return body, trace.Wrap(err)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func isJSONResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "application/json")
}

// streamResponse copies the upstream body to the client with immediate
// flushing so media bytes and event streams are delivered as they
// arrive.
func streamResponse(w http.ResponseWriter, body io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
