package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/middleware"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/store/storetest"
	"github.com/concrnt/socialnode/types"
	"github.com/concrnt/socialnode/worker"
)

type request struct {
	Method string
	Path   string
	Body   map[string]any
}

// peer records every request it receives and answers author searches.
type peer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []request
}

func newPeer(t *testing.T, directory types.AuthorsEnvelope) *peer {
	t.Helper()
	p := &peer{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.requests = append(p.requests, request{r.Method, r.URL.EscapedPath(), body})
		p.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/authors/":
			json.NewEncoder(w).Encode(directory)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *peer) received(method, path string) []request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []request
	for _, r := range p.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	e     *echo.Echo
	s     *store.Store
	alice types.Author
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := storetest.New(t)

	config := types.NodeConfig{BaseURL: storetest.BaseURL, DeliveryTimeout: 2 * time.Second}
	codec := bridge.NewService(s, storetest.Minter, config, nil)
	client := apclient.NewClient(nil, s, config)
	fanout := worker.NewFanout(s, codec, client, nil, config)

	e := echo.New()
	e.Binder = &middleware.Binder{}
	e.Use(middleware.Authenticate(s))
	NewHandler(NewService(s, codec, fanout, client)).Register(e)

	alice := storetest.LocalAuthor(t, s, "Alice")
	account(t, s, alice, "alice")
	return fixture{e: e, s: s, alice: alice}
}

func account(t *testing.T, s *store.Store, author types.Author, username string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(username+"pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAccount(context.Background(), types.Account{AuthorID: author.ID, Username: username, PasswordHash: string(hash)}); err != nil {
		t.Fatal(err)
	}
}

// as sends a request authenticated as username, or anonymously when it is empty.
func (f fixture) as(t *testing.T, username, method, target string, body any) (int, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if username != "" {
		req.SetBasicAuth(username, username+"pass")
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func content(body map[string]any) map[string]any {
	c, _ := body["content"].(map[string]any)
	return c
}

func warnings(body map[string]any) []any {
	w, _ := body["warnings"].([]any)
	return w
}

func TestRequiresLocalAccount(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.as(t, "", http.MethodGet, "/api/me/inbox", nil); code != http.StatusUnauthorized {
		t.Errorf("anonymous = %d", code)
	}
	if code, _ := f.as(t, "mallory", http.MethodGet, "/api/me/inbox", nil); code != http.StatusUnauthorized {
		t.Errorf("unknown user = %d", code)
	}
	code, body := f.as(t, "alice", http.MethodGet, "/api/me", nil)
	if code != http.StatusOK || content(body)["id"] != f.alice.FQID {
		t.Errorf("me = %d %v", code, body)
	}
}

func TestCreatePostFansOut(t *testing.T) {
	f := newFixture(t)
	p := newPeer(t, types.AuthorsEnvelope{})
	storetest.Node(t, f.s, p.URL+"/api/", types.DefaultNodeCapabilities())

	bob := storetest.RemoteAuthor(t, f.s, p.URL, "bob", "Bob")
	carol := storetest.LocalAuthor(t, f.s, "Carol")
	storetest.Follow(t, f.s, bob, f.alice)
	storetest.Follow(t, f.s, carol, f.alice)

	code, body := f.as(t, "alice", http.MethodPost, "/api/me/posts", map[string]any{
		"title":       "hello",
		"contentType": "text/markdown",
		"content":     "**hi**",
	})
	if code != http.StatusCreated {
		t.Fatalf("status = %d (%v)", code, body)
	}
	if len(warnings(body)) != 0 {
		t.Errorf("warnings = %v", warnings(body))
	}
	post := content(body)
	id, _ := post["id"].(string)
	if !strings.HasPrefix(id, f.alice.FQID+"/posts/") || post["visibility"] != "PUBLIC" {
		t.Errorf("post = %v", post)
	}
	if !strings.Contains(post["content"].(string), "<strong>hi</strong>") {
		t.Errorf("content = %v", post["content"])
	}

	pushed := p.received(http.MethodPost, "/api/authors/bob/inbox")
	if len(pushed) != 1 || pushed[0].Body["id"] != id {
		t.Errorf("pushed = %+v", pushed)
	}
	if n, _ := f.s.CountInboxItems(context.Background(), carol.ID); n != 1 {
		t.Errorf("carol inbox = %d", n)
	}
}

func TestCreatePostReportsUnreachableFollowers(t *testing.T) {
	f := newFixture(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	storetest.Node(t, f.s, deadURL+"/api/", types.DefaultNodeCapabilities())

	storetest.Follow(t, f.s, storetest.RemoteAuthor(t, f.s, deadURL, "bob", "Bob"), f.alice)

	code, body := f.as(t, "alice", http.MethodPost, "/api/me/posts", map[string]any{"content": "hi"})
	if code != http.StatusCreated {
		t.Fatalf("status = %d", code)
	}
	w := warnings(body)
	if len(w) != 1 || w[0].(map[string]any)["recipient"] != deadURL+"/api/authors/bob" {
		t.Errorf("warnings = %v", w)
	}
}

func TestCreatePostValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"bad content type", map[string]any{"content": "x", "contentType": "text/html"}, "contentType"},
		{"missing content", map[string]any{"title": "x"}, "content"},
		{"unknown visibility", map[string]any{"content": "x", "visibility": "SECRET"}, "visibility"},
		{"born deleted", map[string]any{"content": "x", "visibility": "deleted"}, "visibility"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.as(t, "alice", http.MethodPost, "/api/me/posts", tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d", code)
			}
			fields, _ := body["fields"].(map[string]any)
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("fields = %v", fields)
			}
		})
	}
}

func TestUpdateAndDeletePost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	account(t, f.s, bob, "bob")
	storetest.Follow(t, f.s, bob, f.alice)

	post := storetest.LocalPost(t, f.s, f.alice, types.VisibilityPublic, "first")
	if _, err := f.s.RecordInboxItem(ctx, bob.ID, f.alice.ID, types.PostRef(post.ID)); err != nil {
		t.Fatal(err)
	}
	target := "/api/me/posts/" + post.ID

	if code, _ := f.as(t, "bob", http.MethodPut, target, map[string]any{"content": "mine now"}); code != http.StatusForbidden {
		t.Errorf("foreign edit = %d", code)
	}

	code, body := f.as(t, "alice", http.MethodPut, target, map[string]any{"content": "second", "visibility": "UNLISTED"})
	if code != http.StatusOK {
		t.Fatalf("edit = %d (%v)", code, body)
	}
	if edited := content(body); edited["id"] != post.FQID || edited["content"] != "second" || edited["visibility"] != "UNLISTED" {
		t.Errorf("edited = %v", edited)
	}

	if code, _ := f.as(t, "alice", http.MethodDelete, target, nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	stored, err := f.s.GetPostByID(ctx, post.ID)
	if err != nil || stored.Visibility != types.VisibilityDeleted {
		t.Errorf("tombstone = %+v, %v", stored, err)
	}
	items, _, _ := f.s.ListInbox(ctx, bob.ID, types.NewPage(1, 10))
	if len(items) != 0 {
		t.Errorf("bob still sees %d items", len(items))
	}

	if code, _ := f.as(t, "alice", http.MethodPut, target, map[string]any{"content": "revive"}); code != http.StatusNotFound {
		t.Errorf("edit tombstone = %d", code)
	}
}

func TestCommentAndLike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	account(t, f.s, bob, "bob")

	post := storetest.LocalPost(t, f.s, f.alice, types.VisibilityPublic, "likeable")

	code, body := f.as(t, "bob", http.MethodPost, "/api/me/comments", map[string]any{"post": post.FQID, "comment": "nice"})
	if code != http.StatusCreated {
		t.Fatalf("comment = %d (%v)", code, body)
	}
	commentID, _ := content(body)["id"].(string)
	if !strings.HasPrefix(commentID, bob.FQID+"/posts/"+post.ID+"/") {
		t.Errorf("comment id = %s", commentID)
	}

	code, body = f.as(t, "bob", http.MethodPost, "/api/me/likes", map[string]any{"object": post.FQID})
	if code != http.StatusCreated {
		t.Fatalf("like = %d (%v)", code, body)
	}
	likeID := content(body)["id"]
	code, body = f.as(t, "bob", http.MethodPost, "/api/me/likes", map[string]any{"object": post.FQID})
	if code != http.StatusOK || content(body)["id"] != likeID {
		t.Errorf("second like = %d %v", code, body)
	}

	if code, _ := f.as(t, "alice", http.MethodPost, "/api/me/likes", map[string]any{"object": commentID}); code != http.StatusCreated {
		t.Errorf("like comment = %d", code)
	}
	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/likes", map[string]any{"object": storetest.BaseURL + "/api/authors/x/posts/none"}); code != http.StatusNotFound {
		t.Errorf("like missing = %d", code)
	}

	likes, count, _ := f.s.ListLikesByTarget(ctx, types.PostRef(post.ID), types.NewPage(1, 10))
	if count != 1 || len(likes) != 1 {
		t.Errorf("likes = %d", count)
	}
	// comment + like for alice, like on comment for bob
	if n, _ := f.s.CountInboxItems(ctx, f.alice.ID); n != 2 {
		t.Errorf("alice inbox = %d", n)
	}
	if n, _ := f.s.CountInboxItems(ctx, bob.ID); n != 1 {
		t.Errorf("bob inbox = %d", n)
	}
}

func TestCommentOnFriendsPost(t *testing.T) {
	f := newFixture(t)
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	account(t, f.s, bob, "bob")
	storetest.Follow(t, f.s, bob, f.alice)

	post := storetest.LocalPost(t, f.s, f.alice, types.VisibilityFriends, "close friends")
	comment := map[string]any{"post": post.FQID, "comment": "hey", "contentType": "text/markdown"}

	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/comments", comment); code != http.StatusForbidden {
		t.Errorf("not yet friends = %d", code)
	}
	storetest.Follow(t, f.s, f.alice, bob)
	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/comments", comment); code != http.StatusCreated {
		t.Errorf("friends = %d", code)
	}

	comment["contentType"] = "image/png;base64"
	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/comments", comment); code != http.StatusBadRequest {
		t.Errorf("image comment = %d", code)
	}
}

func TestFollowLocalAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	account(t, f.s, bob, "bob")

	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/follows", map[string]any{"object": bob.FQID}); code != http.StatusBadRequest {
		t.Errorf("self follow = %d", code)
	}

	code, body := f.as(t, "bob", http.MethodPost, "/api/me/follows", map[string]any{"object": f.alice.FQID})
	if code != http.StatusAccepted {
		t.Fatalf("follow = %d (%v)", code, body)
	}
	if _, err := f.s.GetFollow(ctx, bob.ID, f.alice.ID); err == nil {
		t.Fatal("follow created before acceptance")
	}

	code, body = f.as(t, "alice", http.MethodGet, "/api/me/inbox", nil)
	inbox := content(body)
	if code != http.StatusOK || inbox["count"] != float64(1) {
		t.Fatalf("inbox = %d %v", code, body)
	}

	code, body = f.as(t, "alice", http.MethodGet, "/api/me/follow-requests", nil)
	requests, _ := body["content"].([]any)
	if code != http.StatusOK || len(requests) != 1 {
		t.Fatalf("requests = %d %v", code, body)
	}
	requestID := requests[0].(map[string]any)["id"].(string)

	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/follow-requests/"+requestID+"/accept", nil); code != http.StatusNotFound {
		t.Errorf("actor accepting own request = %d", code)
	}
	if code, _ := f.as(t, "alice", http.MethodPost, "/api/me/follow-requests/"+requestID+"/accept", nil); code != http.StatusOK {
		t.Fatalf("accept = %d", code)
	}
	if _, err := f.s.GetFollow(ctx, bob.ID, f.alice.ID); err != nil {
		t.Errorf("follow missing after accept: %v", err)
	}
	_, body = f.as(t, "alice", http.MethodGet, "/api/me/inbox", nil)
	if content(body)["count"] != float64(0) {
		t.Errorf("request notification survived acceptance: %v", body)
	}

	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/follows", map[string]any{"object": f.alice.FQID}); code != http.StatusConflict {
		t.Errorf("follow twice = %d", code)
	}

	unfollow := "/api/me/follows/" + url.PathEscape(f.alice.FQID)
	if code, _ := f.as(t, "bob", http.MethodDelete, unfollow, nil); code != http.StatusOK {
		t.Errorf("unfollow = %d", code)
	}
	if code, _ := f.as(t, "bob", http.MethodDelete, unfollow, nil); code != http.StatusNotFound {
		t.Errorf("unfollow twice = %d", code)
	}
}

func TestDenyFollowRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	account(t, f.s, bob, "bob")

	if code, _ := f.as(t, "bob", http.MethodPost, "/api/me/follows", map[string]any{"object": f.alice.FQID}); code != http.StatusAccepted {
		t.Fatalf("follow = %d", code)
	}
	request, err := f.s.GetFollowRequest(ctx, bob.ID, f.alice.ID)
	if err != nil {
		t.Fatal(err)
	}

	if code, _ := f.as(t, "alice", http.MethodPost, "/api/me/follow-requests/"+request.ID+"/deny", nil); code != http.StatusOK {
		t.Fatalf("deny = %d", code)
	}
	if _, err := f.s.GetFollowRequest(ctx, bob.ID, f.alice.ID); err == nil {
		t.Error("request survived denial")
	}
	if _, err := f.s.GetFollow(ctx, bob.ID, f.alice.ID); err == nil {
		t.Error("denied request became a follow")
	}
}

func TestFollowRemoteAuthorStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := newPeer(t, types.AuthorsEnvelope{})
	storetest.Node(t, f.s, p.URL+"/api/", types.DefaultNodeCapabilities())

	bob := p.URL + "/api/authors/bob"
	code, body := f.as(t, "alice", http.MethodPost, "/api/me/follows", map[string]any{"object": bob})
	if code != http.StatusAccepted || len(warnings(body)) != 0 {
		t.Fatalf("follow = %d %v", code, body)
	}

	pushed := p.received(http.MethodPost, "/api/authors/bob/inbox")
	if len(pushed) != 1 || pushed[0].Body["type"] != "follow" {
		t.Fatalf("pushed = %+v", pushed)
	}
	actor, _ := pushed[0].Body["actor"].(map[string]any)
	if actor["id"] != f.alice.FQID {
		t.Errorf("actor = %v", actor)
	}

	remote, err := f.s.GetAuthorByFQID(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.GetFollow(ctx, f.alice.ID, remote.ID); err == nil {
		t.Error("remote follow accepted locally")
	}

	unfollow := "/api/me/follows/" + url.PathEscape(bob)
	if code, _ := f.as(t, "alice", http.MethodDelete, unfollow, nil); code != http.StatusOK {
		t.Errorf("cancel = %d", code)
	}
	if _, err := f.s.GetFollowRequest(ctx, f.alice.ID, remote.ID); err == nil {
		t.Error("request survived cancel")
	}
}

func TestUnfollowRemoteTellsItsNode(t *testing.T) {
	f := newFixture(t)
	p := newPeer(t, types.AuthorsEnvelope{})
	storetest.Node(t, f.s, p.URL+"/api/", types.DefaultNodeCapabilities())

	bob := storetest.RemoteAuthor(t, f.s, p.URL, "bob", "Bob")
	storetest.Follow(t, f.s, f.alice, bob)

	code, body := f.as(t, "alice", http.MethodDelete, "/api/me/follows/"+url.PathEscape(bob.FQID), nil)
	if code != http.StatusOK || len(warnings(body)) != 0 {
		t.Fatalf("unfollow = %d %v", code, body)
	}
	path := "/api/authors/bob/followers/" + url.PathEscape(f.alice.FQID)
	if got := p.received(http.MethodDelete, path); len(got) != 1 {
		t.Errorf("DELETE %s not received: %+v", path, p.requests)
	}
}

func TestInboxReadAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	post := storetest.LocalPost(t, f.s, bob, types.VisibilityPublic, "ping")
	item, err := f.s.RecordInboxItem(ctx, f.alice.ID, bob.ID, types.PostRef(post.ID))
	if err != nil {
		t.Fatal(err)
	}

	if code, _ := f.as(t, "alice", http.MethodPost, "/api/me/inbox/"+item.ID+"/read", nil); code != http.StatusOK {
		t.Fatalf("read = %d", code)
	}
	_, body := f.as(t, "alice", http.MethodGet, "/api/me/inbox", nil)
	items, _ := content(body)["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["visibility"] != "READ" {
		t.Fatalf("items = %v", items)
	}
	object, _ := items[0].(map[string]any)["object"].(map[string]any)
	if object["id"] != post.FQID {
		t.Errorf("object = %v", object)
	}

	account(t, f.s, bob, "bob")
	if code, _ := f.as(t, "bob", http.MethodDelete, "/api/me/inbox/"+item.ID, nil); code != http.StatusNotFound {
		t.Errorf("foreign delete = %d", code)
	}
	if code, _ := f.as(t, "alice", http.MethodDelete, "/api/me/inbox/"+item.ID, nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	_, body = f.as(t, "alice", http.MethodGet, "/api/me/inbox", nil)
	if content(body)["count"] != float64(0) {
		t.Errorf("inbox after delete = %v", body)
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	bob := storetest.LocalAuthor(t, f.s, "Bob")
	storetest.LocalPost(t, f.s, bob, types.VisibilityPublic, "public")
	storetest.LocalPost(t, f.s, bob, types.VisibilityFriends, "friends")
	storetest.LocalPost(t, f.s, bob, types.VisibilityUnlisted, "unlisted")

	_, body := f.as(t, "alice", http.MethodGet, "/api/me/stream", nil)
	if content(body)["count"] != float64(1) {
		t.Errorf("stranger stream = %v", content(body)["count"])
	}

	storetest.Follow(t, f.s, f.alice, bob)
	storetest.Follow(t, f.s, bob, f.alice)
	_, body = f.as(t, "alice", http.MethodGet, "/api/me/stream", nil)
	if content(body)["count"] != float64(3) {
		t.Errorf("friend stream = %v", content(body)["count"])
	}

	_, body = f.as(t, "alice", http.MethodGet, "/api/me/stream?size=1", nil)
	page := content(body)
	if page["count"] != float64(3) || len(page["src"].([]any)) != 1 {
		t.Errorf("paged stream = %v", page)
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.LocalAuthor(t, f.s, "Bobby Tables")

	p := newPeer(t, types.AuthorsEnvelope{Type: "authors", Authors: []types.AuthorEnvelope{}})
	p.Close()
	live := newPeer(t, types.AuthorsEnvelope{
		Type: "authors",
		Authors: []types.AuthorEnvelope{
			{Type: "author", ID: "http://remote.test/api/authors/bob", DisplayName: "Bob Remote"},
			{Type: "author", ID: "http://remote.test/api/authors/zed", DisplayName: "Zed"},
			{Type: "author", ID: f.alice.FQID, DisplayName: "Bob impostor"},
		},
	})
	caps := types.DefaultNodeCapabilities()
	storetest.Node(t, f.s, live.URL+"/api/", caps)
	storetest.Node(t, f.s, p.URL+"/api/", caps)

	code, body := f.as(t, "alice", http.MethodGet, "/api/me/search?q=bob", nil)
	if code != http.StatusOK {
		t.Fatalf("search = %d %v", code, body)
	}
	found, _ := body["content"].([]any)
	names := map[string]bool{}
	for _, a := range found {
		names[a.(map[string]any)["displayName"].(string)] = true
	}
	if len(found) != 2 || !names["Bobby Tables"] || !names["Bob Remote"] {
		t.Errorf("found = %v", found)
	}
	if w := warnings(body); len(w) != 1 || w[0].(map[string]any)["node"] != p.URL+"/api/" {
		t.Errorf("warnings = %v", w)
	}

	if _, err := f.s.GetAuthorByFQID(ctx, "http://remote.test/api/authors/bob"); err != nil {
		t.Errorf("remote hit not stored: %v", err)
	}
	alice, _ := f.s.GetAuthorByID(ctx, f.alice.ID)
	if alice.DisplayName != "Alice" {
		t.Errorf("local author overwritten: %s", alice.DisplayName)
	}

	if code, _ := f.as(t, "alice", http.MethodGet, "/api/me/search", nil); code != http.StatusBadRequest {
		t.Errorf("empty query = %d", code)
	}
}
