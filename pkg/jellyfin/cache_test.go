package jellyfin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockUpstream records Jellyfin API calls.
type mockUpstream struct {
	srv     *httptest.Server
	logouts atomic.Int64
}

func newMockUpstream(t *testing.T) *mockUpstream {
	t.Helper()
	m := &mockUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Sessions/Logout", func(w http.ResponseWriter, r *http.Request) {
		m.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"AccessToken":"upstream-token","ServerId":"sid","User":{"Id":"uid","Name":"u"},"SessionInfo":{"Id":"sess"}}`))
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func TestGetNormalizesURL(t *testing.T) {
	cc := NewClientCache(10, time.Minute)
	t.Cleanup(cc.Close)

	info := ClientInfo{Client: "test"}
	a, err := cc.Get("https://x/", info, "")
	require.NoError(t, err)
	b, err := cc.Get("https://x", info, "")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, cc.Len())

	// Default port folds into the same entry.
	c, err := cc.Get("https://x:443", info, "")
	require.NoError(t, err)
	require.Same(t, a, c)
}

func TestGetDistinctKeys(t *testing.T) {
	cc := NewClientCache(10, time.Minute)
	t.Cleanup(cc.Close)

	info := ClientInfo{Client: "test"}
	a, err := cc.Get("https://x", info, "")
	require.NoError(t, err)
	b, err := cc.Get("https://x", info, "user-1")
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, cc.Len())
}

func TestGetCoalescesConcurrentMisses(t *testing.T) {
	cc := NewClientCache(10, time.Minute)
	t.Cleanup(cc.Close)

	const workers = 16
	clients := make([]*Client, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := cc.Get("https://coalesce.example", ClientInfo{Client: "test"}, "")
			require.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range clients {
		require.Same(t, clients[0], c)
	}
	require.Equal(t, 1, cc.Len())
}

func TestSharedTokenSlot(t *testing.T) {
	cc := NewClientCache(10, time.Minute)
	t.Cleanup(cc.Close)

	a, err := cc.Get("https://x", ClientInfo{Client: "test"}, "")
	require.NoError(t, err)
	b, err := cc.Get("https://x", ClientInfo{Client: "test"}, "")
	require.NoError(t, err)

	a.SetToken("tok-1")
	require.Equal(t, "tok-1", b.Token())
}

func TestTTLEvictionLogsOut(t *testing.T) {
	upstream := newMockUpstream(t)

	cc := NewClientCache(10, 100*time.Millisecond)
	t.Cleanup(cc.Close)

	client, err := cc.Get(upstream.srv.URL, ClientInfo{Client: "test"}, "")
	require.NoError(t, err)
	client.SetToken("upstream-token")

	// Idle past the TTL; the maintenance loop evicts and dispatches
	// exactly one logout.
	require.Eventually(t, func() bool {
		return upstream.logouts.Load() == 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int64(1), upstream.logouts.Load())
}

func TestCapacityEvictionLogsOut(t *testing.T) {
	upstream := newMockUpstream(t)

	cc := NewClientCache(1, time.Minute)
	t.Cleanup(cc.Close)

	client, err := cc.Get(upstream.srv.URL, ClientInfo{Client: "test"}, "")
	require.NoError(t, err)
	client.SetToken("upstream-token")

	// Inserting a second handle squeezes out the first.
	_, err = cc.Get("https://other.example", ClientInfo{Client: "test"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return upstream.logouts.Load() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEvictionWithoutTokenSkipsLogout(t *testing.T) {
	upstream := newMockUpstream(t)

	cc := NewClientCache(10, 50*time.Millisecond)
	t.Cleanup(cc.Close)

	_, err := cc.Get(upstream.srv.URL, ClientInfo{Client: "test"}, "")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, int64(0), upstream.logouts.Load())
}

func TestAuthenticateByNameSetsToken(t *testing.T) {
	upstream := newMockUpstream(t)

	client, err := NewClient(upstream.srv.URL, ClientInfo{Client: "test"})
	require.NoError(t, err)

	result, err := client.AuthenticateByName(context.Background(), "u", "p")
	require.NoError(t, err)
	require.Equal(t, "upstream-token", result.AccessToken)
	require.Equal(t, "upstream-token", client.Token())
	require.Equal(t, "uid", result.User.ID)
	require.Equal(t, "sess", result.SessionInfo.ID)
}
