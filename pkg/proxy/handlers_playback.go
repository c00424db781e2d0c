package proxy

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"

	"jellyswarrm/pkg/playsession"
)

// HandlePlaybackInfo serves POST /Items/{id}/PlaybackInfo: the body and
// URL are rewritten into the owning upstream's namespace, the response
// mints virtual ids for every media source, and the play session is
// registered so later progress reports can be routed.
func (a *App) HandlePlaybackInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(a.playbackInfo(w, r, p.ByName("id")))
}

// HandleLiveStreamOpen serves POST /LiveStreams/Open, which carries its
// routing evidence in the query string.
func (a *App) HandleLiveStreamOpen(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(a.playbackInfo(w, r, r.URL.Query().Get("ItemId")))
}

func (a *App) playbackInfo(w http.ResponseWriter, r *http.Request, virtualItemID string) error {
	ctx := r.Context()
	pre, err := a.Preprocess(r, RequireAuth())
	if err != nil {
		return trace.Wrap(err)
	}

	resp, err := a.forward(pre)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	if !isJSONResponse(resp) || resp.StatusCode != http.StatusOK {
		a.writeResponse(w, r, resp, pre)
		return nil
	}

	body, err := readAllLimited(resp.Body)
	if err != nil {
		return trace.ConnectionProblem(err, "reading upstream response")
	}
	rewritten, modified, err := a.responses.Rewrite(ctx, body, pre.Server)
	if err != nil {
		return trace.Wrap(err)
	}
	if modified {
		body = rewritten
	}

	// Remember which upstream serves this play session; progress and
	// stop notifications carry little else to route by.
	if playSessionID := gjson.GetBytes(body, "PlaySessionId").String(); playSessionID != "" {
		userVirtualID := ""
		if pre.User != nil {
			userVirtualID = pre.User.VirtualID
		}
		a.PlaySessions.Add(playsession.Session{
			ID:            playSessionID,
			VirtualItemID: virtualItemID,
			UserVirtualID: userVirtualID,
			Server:        *pre.Server,
		})
	}

	writeRawJSON(w, resp.StatusCode, body)
	return nil
}

// HandlePlaying serves POST /Sessions/Playing: registers the play
// session under the chosen upstream and relays the notification.
func (a *App) HandlePlaying(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(a.playingNotification(w, r, true, false))
}

// HandlePlayingProgress serves POST /Sessions/Playing/Progress, routed
// via the play-session registry when body evidence is insufficient.
func (a *App) HandlePlayingProgress(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(a.playingNotification(w, r, false, false))
}

// HandlePlayingStopped serves POST /Sessions/Playing/Stopped and
// removes the play session after relaying.
func (a *App) HandlePlayingStopped(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return nil, trace.Wrap(a.playingNotification(w, r, false, true))
}

func (a *App) playingNotification(w http.ResponseWriter, r *http.Request, register, stop bool) error {
	// Peek the play-session id and the (still virtual) item id before
	// preprocessing rewrites the body.
	playSessionID, virtualItemID := "", ""
	if body, err := readBody(r); err == nil && len(body) > 0 {
		playSessionID = gjson.GetBytes(body, "PlaySessionId").String()
		virtualItemID = gjson.GetBytes(body, "ItemId").String()
		restoreBody(r, body)
	}

	pre, err := a.Preprocess(r, RequireAuth())
	if err != nil {
		return trace.Wrap(err)
	}

	if register && playSessionID != "" {
		userVirtualID := ""
		if pre.User != nil {
			userVirtualID = pre.User.VirtualID
		}
		a.PlaySessions.Add(playsession.Session{
			ID:            playSessionID,
			VirtualItemID: virtualItemID,
			UserVirtualID: userVirtualID,
			Server:        *pre.Server,
		})
	}

	resp, err := a.forward(pre)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	if stop && playSessionID != "" {
		a.PlaySessions.Remove(playSessionID)
	}

	a.writeResponse(w, r, resp, pre)
	return nil
}
