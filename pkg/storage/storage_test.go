package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, dir+"/proxy.db")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not reapply or fail.
	s, err = Open(ctx, dir+"/proxy.db")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestAddServerNormalizesURL(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	srv, err := s.AddServer(ctx, "a", "https://media.example:443/jellyfin/", 0)
	require.NoError(t, err)
	require.Equal(t, "https://media.example/jellyfin", srv.URL)

	// A different spelling of the same base URL collides.
	_, err = s.AddServer(ctx, "b", "https://media.example/jellyfin", 0)
	require.Error(t, err)

	got, err := s.GetServerByURL(ctx, "https://MEDIA.example:443/jellyfin/")
	require.NoError(t, err)
	require.Equal(t, srv.ID, got.ID)
}

func TestPutMediaMappingIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	srv, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)

	v1, err := s.PutMediaMapping(ctx, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", srv.ID, KindItem)
	require.NoError(t, err)
	require.Len(t, v1, 32)

	v2, err := s.PutMediaMapping(ctx, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", srv.ID, KindItem)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	// Round trip both directions.
	m, err := s.GetMediaMapping(ctx, v1)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", m.OriginalID)
	require.Equal(t, srv.ID, m.ServerID)

	got, err := s.GetVirtualID(ctx, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", srv.ID)
	require.NoError(t, err)
	require.Equal(t, v1, got)
}

func TestPutMediaMappingDistinctServers(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	a, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)
	b, err := s.AddServer(ctx, "b", "http://b.example:8096", 0)
	require.NoError(t, err)

	// The same original id on two upstreams yields two virtual ids.
	va, err := s.PutMediaMapping(ctx, "cccccccccccccccccccccccccccccccc", a.ID, KindItem)
	require.NoError(t, err)
	vb, err := s.PutMediaMapping(ctx, "cccccccccccccccccccccccccccccccc", b.ID, KindItem)
	require.NoError(t, err)
	require.NotEqual(t, va, vb)
}

func TestPutMediaMappingConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	srv, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)

	const workers = 16
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.PutMediaMapping(ctx, "dddddddddddddddddddddddddddddddd", srv.ID, KindItem)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		require.Equal(t, results[0], v)
	}
}

func TestAuthenticateUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	user, err := s.CreateUser(ctx, "alice", "hunter2")
	require.NoError(t, err)
	require.Len(t, user.VirtualID, 32)

	got, err := s.AuthenticateUser(ctx, "alice", "hunter2")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = s.AuthenticateUser(ctx, "alice", "wrong")
	require.True(t, trace.IsAccessDenied(err))

	_, err = s.AuthenticateUser(ctx, "nobody", "hunter2")
	require.True(t, trace.IsAccessDenied(err))
}

func TestServerMappingSealAndDecrypt(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	srv, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)
	user, err := s.CreateUser(ctx, "alice", "p1")
	require.NoError(t, err)

	m, err := s.CreateServerMapping(ctx, user.ID, srv.ID, "alice-upstream", "upstream-pass", "p1", "admin-pw")
	require.NoError(t, err)

	cleartext, err := s.DecryptServerMappingPassword(m, "p1", "admin-pw")
	require.NoError(t, err)
	require.Equal(t, "upstream-pass", cleartext)

	_, err = s.DecryptServerMappingPassword(m, "wrong", "admin-pw")
	require.Error(t, err)
}

func TestUpdateUserPasswordRewrapsMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	srv, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)
	user, err := s.CreateUser(ctx, "alice", "p1")
	require.NoError(t, err)
	_, err = s.CreateServerMapping(ctx, user.ID, srv.ID, "alice-upstream", "upstream-pass", "p1", "admin-pw")
	require.NoError(t, err)
	_, err = s.PutSession(ctx, user.ID, srv.ID, "vtok", "utok", "usess", "uuid-1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateUserPassword(ctx, user.ID, "p1", "p2", "admin-pw"))

	m, err := s.GetServerMapping(ctx, user.ID, srv.ID)
	require.NoError(t, err)

	// Old password no longer unseals, the new one recovers the original.
	_, err = s.DecryptServerMappingPassword(m, "p1", "admin-pw")
	require.Error(t, err)
	cleartext, err := s.DecryptServerMappingPassword(m, "p2", "admin-pw")
	require.NoError(t, err)
	require.Equal(t, "upstream-pass", cleartext)

	// Sessions were invalidated.
	sessions, err := s.GetUserSessions(ctx, user.ID, "")
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = s.AuthenticateUser(ctx, "alice", "p2")
	require.NoError(t, err)
}

func TestGetUserSessionsOrdering(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := newTestStorage(t, WithClock(clock))
	srv, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)
	user, err := s.CreateUser(ctx, "alice", "p1")
	require.NoError(t, err)

	stale, err := s.PutSession(ctx, user.ID, srv.ID, "vtok", "old-token", "s1", "u1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	fresh, err := s.PutSession(ctx, user.ID, srv.ID, "vtok", "new-token", "s2", "u1")
	require.NoError(t, err)

	sessions, err := s.GetUserSessions(ctx, user.ID, "vtok")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	// Freshest first; the newer session supersedes.
	require.Equal(t, fresh.ID, sessions[0].Session.ID)
	require.Equal(t, stale.ID, sessions[1].Session.ID)

	// Activity on the stale session makes it freshest again.
	clock.Advance(time.Second)
	require.NoError(t, s.TouchSession(ctx, stale.ID))
	sessions, err = s.GetUserSessions(ctx, user.ID, "vtok")
	require.NoError(t, err)
	require.Equal(t, stale.ID, sessions[0].Session.ID)
}

func TestGetUserByToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	srv, err := s.AddServer(ctx, "a", "http://a.example:8096", 0)
	require.NoError(t, err)
	user, err := s.CreateUser(ctx, "alice", "p1")
	require.NoError(t, err)
	_, err = s.PutSession(ctx, user.ID, srv.ID, "vtok", "utok", "usess", "uuid-1")
	require.NoError(t, err)

	got, err := s.GetUserByToken(ctx, "vtok")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = s.GetUserByToken(ctx, "nope")
	require.True(t, trace.IsNotFound(err))

	byUpstream, err := s.GetUserByUpstreamUserID(ctx, srv.ID, "uuid-1")
	require.NoError(t, err)
	require.Equal(t, user.ID, byUpstream.ID)

	require.NoError(t, s.DeleteUserSessions(ctx, user.ID))
	_, err = s.GetUserByToken(ctx, "vtok")
	require.True(t, trace.IsNotFound(err))
}
