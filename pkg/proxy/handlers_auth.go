package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"jellyswarrm/pkg/jellyfin"
	"jellyswarrm/pkg/mediabrowser"
)

// authenticateByNameRequest is the client's login payload. Older
// clients send Password, newer ones Pw.
type authenticateByNameRequest struct {
	Username string `json:"Username"`
	Pw       string `json:"Pw"`
	Password string `json:"Password"`
}

// HandleAuthenticateByName matches the proxy credentials, then
// transparently authenticates against every mapped upstream and stores
// one session per reachable server, all sharing a single virtual token.
func (a *App) HandleAuthenticateByName(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req authenticateByNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("malformed authentication request: %v", err)
	}
	password := req.Pw
	if password == "" {
		password = req.Password
	}

	ctx := r.Context()
	user, err := a.Store.AuthenticateUser(ctx, req.Username, password)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	auth, _ := mediabrowser.FromRequestHeaders(r.Header.Get)
	info := clientInfo(auth)
	cfg := a.Config.Get()
	virtualToken := mediabrowser.GenerateToken()

	mappings, err := a.Store.ListServerMappings(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	authenticated := 0
	for _, mapping := range mappings {
		server, err := a.Store.GetServer(ctx, mapping.ServerID)
		if err != nil {
			a.log.WithError(err).Warn("Server mapping points at a missing server.")
			continue
		}
		// The mapped password is only recoverable now, while the
		// user's cleartext password is in hand.
		cleartext, err := a.Store.DecryptServerMappingPassword(&mapping, password, cfg.AdminPassword)
		if err != nil {
			a.log.WithError(err).WithField("server", server.Name).
				Warn("Cannot unseal upstream credentials, skipping server.")
			continue
		}
		client, err := a.Clients.Get(server.URL, info, user.VirtualID)
		if err != nil {
			a.log.WithError(err).WithField("server", server.Name).Warn("Client construction failed.")
			continue
		}
		result, err := client.AuthenticateByName(ctx, mapping.MappedUsername, cleartext)
		if err != nil {
			a.log.WithError(err).WithField("server", server.Name).
				Warn("Upstream authentication failed.")
			continue
		}
		upstreamSessionID := ""
		upstreamUserID := ""
		if result.SessionInfo != nil {
			upstreamSessionID = result.SessionInfo.ID
		}
		if result.User != nil {
			upstreamUserID = result.User.ID
		}
		if _, err := a.Store.PutSession(ctx, user.ID, server.ID, virtualToken,
			result.AccessToken, upstreamSessionID, upstreamUserID); err != nil {
			return nil, trace.Wrap(err)
		}
		authenticated++
	}
	if authenticated == 0 {
		return nil, trace.AccessDenied("no upstream accepted the mapped credentials")
	}

	a.log.WithField("user", user.Name).WithField("servers", authenticated).
		Info("Authenticated virtual user.")

	return &jellyfin.AuthenticationResult{
		User: &jellyfin.UserDto{
			ID:       user.VirtualID,
			Name:     user.Name,
			ServerID: cfg.ServerID,
		},
		SessionInfo: &jellyfin.SessionInfo{
			ID:     virtualToken,
			UserID: user.VirtualID,
		},
		AccessToken: virtualToken,
		ServerID:    cfg.ServerID,
	}, nil
}

// HandleLogout invalidates every session of the token's virtual user
// across all upstreams. Upstream logouts are dispatched without
// blocking the client's response.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	auth, err := mediabrowser.FromRequestHeaders(r.Header.Get)
	if err != nil || auth.Token == "" {
		return nil, trace.AccessDenied("authentication required")
	}
	ctx := r.Context()
	user, err := a.Store.GetUserByToken(ctx, auth.Token)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid token")
		}
		return nil, trace.Wrap(err)
	}

	sessions, err := a.Store.GetUserSessions(ctx, user.ID, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info := clientInfo(auth)
	for _, sw := range sessions {
		client, err := a.Clients.Get(sw.Server.URL, info, user.VirtualID)
		if err != nil {
			continue
		}
		client.SetToken(sw.Session.UpstreamToken)
		go func(client *jellyfin.Client) {
			ctx, cancel := context.WithTimeout(context.Background(), requestGrace)
			defer cancel()
			if err := client.Logout(ctx); err != nil {
				a.log.WithError(err).Warn("Upstream logout failed.")
			}
		}(client)
	}

	if err := a.Store.DeleteUserSessions(ctx, user.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}
