package rewrite

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"jellyswarrm/pkg/playsession"
	"jellyswarrm/pkg/storage"
)

type fixture struct {
	store    *storage.Storage
	sessions *playsession.Registry
	serverA  *storage.Server
	serverB  *storage.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := playsession.NewRegistry(playsession.DefaultTTL)
	t.Cleanup(sessions.Close)

	a, err := store.AddServer(ctx, "alpha", "http://a.example:8096", 0)
	require.NoError(t, err)
	b, err := store.AddServer(ctx, "beta", "http://b.example:8096", 0)
	require.NoError(t, err)

	return &fixture{store: store, sessions: sessions, serverA: a, serverB: b}
}

// mint registers an original id on a server and returns its virtual id.
func (f *fixture) mint(t *testing.T, original string, serverID int64) string {
	t.Helper()
	v, err := f.store.PutMediaMapping(context.Background(), original, serverID, storage.KindItem)
	require.NoError(t, err)
	return v
}

func TestAnalyzerVotesForMappedServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vA1 := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)
	vA2 := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa2", f.serverA.ID)
	vB1 := f.mint(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb1", f.serverB.ID)

	body := []byte(fmt.Sprintf(`{"ItemId":%q,"ParentId":%q,"MediaSourceId":%q,"Junk":"zzz"}`, vA1, vA2, vB1))

	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	require.NoError(t, analyzer.AnalyzeBody(ctx, body, &analysis))

	require.Equal(t, []string{vA1, vA2, vB1}, analysis.FoundIDs)
	require.Len(t, analysis.Servers, 3)

	srv := analysis.Server()
	require.NotNil(t, srv)
	require.Equal(t, f.serverA.ID, srv.ID)
}

func TestAnalyzerTieBreakFirstSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vB := f.mint(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb1", f.serverB.ID)
	vA := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)

	// One vote each; B appears first in the body.
	body := []byte(fmt.Sprintf(`{"ItemId":%q,"ParentId":%q}`, vB, vA))

	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	require.NoError(t, analyzer.AnalyzeBody(ctx, body, &analysis))

	srv := analysis.Server()
	require.NotNil(t, srv)
	require.Equal(t, f.serverB.ID, srv.ID)
}

func TestAnalyzerNeverVotesUnresolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unknown ids resolve to no server at all.
	body := []byte(`{"ItemId":"ffffffffffffffffffffffffffffffff","Id":"not-even-a-uuid"}`)

	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	require.NoError(t, analyzer.AnalyzeBody(ctx, body, &analysis))

	require.Len(t, analysis.FoundIDs, 2)
	require.Empty(t, analysis.Servers)
	require.Nil(t, analysis.Server())
}

func TestAnalyzerPlaySessionEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.Add(playsession.Session{
		ID:            "psess-1",
		VirtualItemID: "99999999999999999999999999999999",
		Server:        *f.serverB,
	})

	body := []byte(`{"PlaySessionId":"psess-1"}`)
	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	require.NoError(t, analyzer.AnalyzeBody(ctx, body, &analysis))

	require.Equal(t, []string{"psess-1"}, analysis.FoundSessionIDs)
	srv := analysis.Server()
	require.NotNil(t, srv)
	require.Equal(t, f.serverB.ID, srv.ID)
}

func TestAnalyzerUserEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.store.CreateUser(ctx, "alice", "pw")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"UserId":%q}`, user.VirtualID))
	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	require.NoError(t, analyzer.AnalyzeBody(ctx, body, &analysis))

	got := analysis.User()
	require.NotNil(t, got)
	require.Equal(t, user.ID, got.ID)
}

func TestAnalyzePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vA := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)

	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	analyzer.AnalyzePath(ctx, "/Items/"+vA+"/PlaybackInfo", &analysis)

	srv := analysis.Server()
	require.NotNil(t, srv)
	require.Equal(t, f.serverA.ID, srv.ID)

	// Non-container segments contribute nothing.
	var empty Analysis
	analyzer.AnalyzePath(ctx, "/System/Info", &empty)
	require.Nil(t, empty.Server())
}

func TestAnalyzeQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vA := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)

	query := url.Values{"ItemId": {vA}, "MaxStreamingBitrate": {"123"}}
	analyzer := NewAnalyzer(f.store, f.sessions)
	var analysis Analysis
	analyzer.AnalyzeQuery(ctx, query, &analysis)

	srv := analysis.Server()
	require.NotNil(t, srv)
	require.Equal(t, f.serverA.ID, srv.ID)
}

func TestProcessorReplacesExactlyKnownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vA := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)
	unknown := "ffffffffffffffffffffffffffffffff"

	session := &storage.AuthSession{UpstreamUserID: "native-uid"}
	body := []byte(fmt.Sprintf(
		`{ "MediaSourceId": %q, "ItemId": %q, "UserId": "uvuvuvuvuvuvuvuvuvuvuvuvuvuvuvuv", "Note":"  keep  " }`,
		vA, unknown))

	processor := NewProcessor(f.store)
	out, modified, err := processor.RewriteBody(ctx, body, session)
	require.NoError(t, err)
	require.True(t, modified)

	want := fmt.Sprintf(
		`{ "MediaSourceId": %q, "ItemId": %q, "UserId": "native-uid", "Note":"  keep  " }`,
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", unknown)
	require.Equal(t, want, string(out))
}

func TestProcessorUnmodifiedBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"Whatever":"value"}`)
	processor := NewProcessor(f.store)
	out, modified, err := processor.RewriteBody(ctx, body, nil)
	require.NoError(t, err)
	require.False(t, modified)
	require.Equal(t, body, out)
}

func TestProcessorRewritePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vA := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)

	processor := NewProcessor(f.store)
	path, modified := processor.RewritePath(ctx, "/Items/"+vA+"/PlaybackInfo", nil)
	require.True(t, modified)
	require.Equal(t, "/Items/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1/PlaybackInfo", path)

	// Unknown ids stay put.
	path, modified = processor.RewritePath(ctx, "/Items/ffffffffffffffffffffffffffffffff", nil)
	require.False(t, modified)
	require.Equal(t, "/Items/ffffffffffffffffffffffffffffffff", path)
}

func TestProcessorRewritePathUserSegment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := &storage.AuthSession{UpstreamUserID: "deadbeefdeadbeefdeadbeefdeadbeef"}
	processor := NewProcessor(f.store)
	path, modified := processor.RewritePath(ctx, "/Users/00000000000000000000000000000001/Items", session)
	require.True(t, modified)
	require.Equal(t, "/Users/deadbeefdeadbeefdeadbeefdeadbeef/Items", path)
}

func TestProcessorRewriteQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vA := f.mint(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", f.serverA.ID)
	session := &storage.AuthSession{UpstreamUserID: "native-uid"}

	query := url.Values{
		"ItemId":        {vA},
		"UserId":        {"virtual-user"},
		"PlaySessionId": {"psess-1"},
		"Static":        {"true"},
	}
	processor := NewProcessor(f.store)
	query, modified := processor.RewriteQuery(ctx, query, session)
	require.True(t, modified)
	require.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1", query.Get("ItemId"))
	require.Equal(t, "native-uid", query.Get("UserId"))
	require.Equal(t, "psess-1", query.Get("PlaySessionId"))
	require.Equal(t, "true", query.Get("Static"))
}

func TestResponseRewriterMintsStableVirtualIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"MediaSources":[{"Id":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb","Container":"mkv"}]}`)

	rr := NewResponseRewriter(f.store)
	out1, modified, err := rr.Rewrite(ctx, body, f.serverA)
	require.NoError(t, err)
	require.True(t, modified)

	// The same original id rewrites to the same virtual id next time,
	// with no new mapping row.
	out2, _, err := rr.Rewrite(ctx, body, f.serverA)
	require.NoError(t, err)
	require.Equal(t, string(out1), string(out2))

	virtual, err := f.store.GetVirtualID(ctx, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", f.serverA.ID)
	require.NoError(t, err)
	require.Contains(t, string(out1), virtual)

	// MediaSources entries register as media-source mappings.
	m, err := f.store.GetMediaMapping(ctx, virtual)
	require.NoError(t, err)
	require.Equal(t, storage.KindMediaSource, m.Kind)
}

func TestResponseRewriterSameOriginalTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"Id":"cccccccccccccccccccccccccccccccc","ParentId":"cccccccccccccccccccccccccccccccc"}`)

	rr := NewResponseRewriter(f.store)
	out, _, err := rr.Rewrite(ctx, body, f.serverA)
	require.NoError(t, err)

	virtual, err := f.store.GetVirtualID(ctx, "cccccccccccccccccccccccccccccccc", f.serverA.ID)
	require.NoError(t, err)
	require.Equal(t,
		fmt.Sprintf(`{"Id":%q,"ParentId":%q}`, virtual, virtual),
		string(out))
}

func TestResponseRewriterSkipsNonUUIDValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"Id":"not-a-uuid-shaped-tag"}`)
	rr := NewResponseRewriter(f.store)
	out, modified, err := rr.Rewrite(ctx, body, f.serverA)
	require.NoError(t, err)
	require.False(t, modified)
	require.Equal(t, body, out)
}

func TestResponseRewriterMapsUpstreamUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.store.CreateUser(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = f.store.PutSession(ctx, user.ID, f.serverA.ID, "vtok", "utok", "usess", "upstream-uid")
	require.NoError(t, err)

	body := []byte(`{"UserId":"upstream-uid"}`)
	rr := NewResponseRewriter(f.store)
	out, modified, err := rr.Rewrite(ctx, body, f.serverA)
	require.NoError(t, err)
	require.True(t, modified)
	require.Equal(t, fmt.Sprintf(`{"UserId":%q}`, user.VirtualID), string(out))
}
