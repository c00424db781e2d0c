package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/sjson"

	"jellyswarrm/pkg/jellyfin"
)

// HandleSystemInfoPublic forwards /System/Info/Public to an upstream
// and rebrands the identity fields with the proxy's own.
func (a *App) HandleSystemInfoPublic(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return a.systemInfo(w, r, false)
}

// HandleSystemInfo is the authenticated variant of the same merge.
func (a *App) HandleSystemInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return a.systemInfo(w, r, true)
}

func (a *App) systemInfo(w http.ResponseWriter, r *http.Request, requireAuth bool) (interface{}, error) {
	opts := []PreprocessOption{FallbackToDefaultServer()}
	if requireAuth {
		opts = append(opts, RequireAuth())
	}
	pre, err := a.Preprocess(r, opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := a.forward(pre)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "upstream returned %v", resp.StatusCode)
	}

	body, err := readAllLimited(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The upstream's own identity never leaks: id, name and address
	// come from the config snapshot, the version is the proxy's.
	cfg := a.Config.Get()
	for field, value := range map[string]string{
		"Id":           cfg.ServerID,
		"ServerName":   cfg.ServerName,
		"LocalAddress": cfg.PublicAddress,
		"Version":      Version,
	} {
		if body, err = sjson.SetBytes(body, field, value); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	writeRawJSON(w, resp.StatusCode, body)
	return nil, nil
}

// HandleBranding aggregates branding from every inventoried upstream:
// the login disclaimer links to each server, and the custom CSS of the
// last healthy upstream that reports a non-empty one wins.
func (a *App) HandleBranding(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	servers, err := a.Store.ListServers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var sb strings.Builder
	sb.WriteString("Jellyswarrm proxying to the following servers: ")
	customCSS := ""
	if len(servers) == 0 {
		sb.WriteString("No servers configured.")
	} else {
		links := make([]string, 0, len(servers))
		for _, srv := range servers {
			links = append(links, fmt.Sprintf(
				`<a href=%q target="_blank" rel="noopener noreferrer">%s</a>`, srv.URL, srv.Name))
		}
		sb.WriteString(strings.Join(links, ", "))

		info := jellyfin.ClientInfo{Client: "Jellyswarrm", Device: "Jellyswarrm", DeviceID: "jellyswarrm-proxy", Version: Version}
		for _, srv := range servers {
			if !srv.Healthy {
				continue
			}
			client, err := a.Clients.Get(srv.URL, info, "")
			if err != nil {
				continue
			}
			branding, err := client.BrandingConfiguration(ctx)
			if err != nil {
				a.log.WithError(err).WithField("server", srv.Name).
					Debug("Branding fetch failed.")
				continue
			}
			if branding.CustomCSS != "" {
				customCSS = branding.CustomCSS
			}
		}
	}

	return &jellyfin.BrandingConfig{
		LoginDisclaimer:     sb.String(),
		CustomCSS:           customCSS,
		SplashscreenEnabled: false,
	}, nil
}
