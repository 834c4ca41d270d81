package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/store/storetest"
	"github.com/concrnt/socialnode/types"
)

type peer struct {
	*httptest.Server
	mu       sync.Mutex
	received map[string][]map[string]any
}

func newPeer(t *testing.T, handler http.HandlerFunc) *peer {
	t.Helper()
	p := &peer{received: map[string][]map[string]any{}}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler != nil {
			handler(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.received[r.URL.Path] = append(p.received[r.URL.Path], body)
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *peer) bodies(path string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received[path]
}

func newFanout(t *testing.T) (*Fanout, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	config := types.NodeConfig{BaseURL: storetest.BaseURL, DeliveryTimeout: 2 * time.Second}
	codec := bridge.NewService(s, storetest.Minter, config, nil)
	client := apclient.NewClient(nil, s, config)
	return NewFanout(s, codec, client, nil, config), s
}

func TestPublishPostIsolatesFailingNodes(t *testing.T) {
	f, s := newFanout(t)
	ctx := context.Background()

	reachable := newPeer(t, nil)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	storetest.Node(t, s, reachable.URL+"/api/", types.DefaultNodeCapabilities())
	storetest.Node(t, s, deadURL+"/api/", types.DefaultNodeCapabilities())

	alice := storetest.LocalAuthor(t, s, "Alice")
	bob := storetest.RemoteAuthor(t, s, reachable.URL, "bob", "Bob")
	carol := storetest.RemoteAuthor(t, s, deadURL, "carol", "Carol")
	dave := storetest.LocalAuthor(t, s, "Dave")
	for _, follower := range []types.Author{bob, carol, dave} {
		storetest.Follow(t, s, follower, alice)
	}

	post := storetest.LocalPost(t, s, alice, types.VisibilityPublic, "hello federation")
	warnings := f.PublishPost(ctx, post)

	if len(warnings) != 1 {
		t.Fatalf("warnings = %+v", warnings)
	}
	if warnings[0].Recipient != carol.FQID || warnings[0].Node != deadURL+"/api/" {
		t.Errorf("warning = %+v", warnings[0])
	}

	got := reachable.bodies("/api/authors/bob/inbox")
	if len(got) != 1 || got[0]["type"] != "post" || got[0]["id"] != post.FQID {
		t.Fatalf("reachable node received %v", got)
	}

	if _, err := s.GetPostByID(ctx, post.ID); err != nil {
		t.Errorf("local post lost: %v", err)
	}

	items, _, err := s.ListInbox(ctx, dave.ID, types.NewPage(1, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].SenderID != alice.ID || items[0].Object() != types.PostRef(post.ID) {
		t.Errorf("local follower inbox = %+v", items)
	}
}

func TestPublishFriendsPostReachesFriendsOnly(t *testing.T) {
	f, s := newFanout(t)
	ctx := context.Background()

	reachable := newPeer(t, nil)
	storetest.Node(t, s, reachable.URL+"/api/", types.DefaultNodeCapabilities())

	alice := storetest.LocalAuthor(t, s, "Alice")
	friend := storetest.RemoteAuthor(t, s, reachable.URL, "friend", "Friend")
	follower := storetest.RemoteAuthor(t, s, reachable.URL, "follower", "Follower")
	storetest.Follow(t, s, friend, alice)
	storetest.Follow(t, s, alice, friend)
	storetest.Follow(t, s, follower, alice)

	post := storetest.LocalPost(t, s, alice, types.VisibilityFriends, "friends only")
	if warnings := f.PublishPost(ctx, post); len(warnings) != 0 {
		t.Fatalf("warnings = %+v", warnings)
	}

	if len(reachable.bodies("/api/authors/friend/inbox")) != 1 {
		t.Error("friend did not receive the post")
	}
	if len(reachable.bodies("/api/authors/follower/inbox")) != 0 {
		t.Error("one-way follower received a friends-only post")
	}
}

func TestPublishWarnsForUnknownNode(t *testing.T) {
	f, s := newFanout(t)

	alice := storetest.LocalAuthor(t, s, "Alice")
	stray := storetest.RemoteAuthor(t, s, "http://unregistered.test", "x", "Stray")
	storetest.Follow(t, s, stray, alice)

	post := storetest.LocalPost(t, s, alice, types.VisibilityPublic, "hi")
	warnings := f.PublishPost(context.Background(), post)
	if len(warnings) != 1 || warnings[0].Recipient != stray.FQID || !strings.Contains(warnings[0].Reason, "no registered node") {
		t.Fatalf("warnings = %+v", warnings)
	}
}

func TestPublishLikeOnCommentNotifiesBothAuthors(t *testing.T) {
	f, s := newFanout(t)
	ctx := context.Background()

	alice := storetest.LocalAuthor(t, s, "Alice")
	bob := storetest.LocalAuthor(t, s, "Bob")
	carol := storetest.LocalAuthor(t, s, "Carol")

	post := storetest.LocalPost(t, s, alice, types.VisibilityPublic, "post")
	comment, err := s.CreateComment(ctx, types.Comment{
		FQID: storetest.Minter.Comment(bob.ID, post.ID, "c1"), AuthorID: bob.ID, PostID: post.ID,
		Comment: "comment", ContentType: types.ContentTypePlain, Published: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	like := types.Like{FQID: storetest.Minter.Like(carol.ID, "l1"), AuthorID: carol.ID, Published: time.Now().UTC()}
	like.SetTarget(types.CommentRef(comment.ID))
	like, err = s.UpsertLike(ctx, like)
	if err != nil {
		t.Fatal(err)
	}

	if warnings := f.PublishLike(ctx, like); len(warnings) != 0 {
		t.Fatalf("warnings = %+v", warnings)
	}
	for _, recipient := range []types.Author{alice, bob} {
		count, err := s.CountInboxItems(ctx, recipient.ID)
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("%s has %d inbox items", recipient.DisplayName, count)
		}
	}
	if count, _ := s.CountInboxItems(ctx, carol.ID); count != 0 {
		t.Errorf("liker notified about own like")
	}
}

func TestPublishFollowRequestToRemote(t *testing.T) {
	f, s := newFanout(t)
	ctx := context.Background()

	reachable := newPeer(t, nil)
	storetest.Node(t, s, reachable.URL+"/api/", types.DefaultNodeCapabilities())

	alice := storetest.LocalAuthor(t, s, "Alice")
	bob := storetest.RemoteAuthor(t, s, reachable.URL, "bob", "Bob")
	request, err := s.UpsertFollowRequest(ctx, types.FollowRequest{ActorID: alice.ID, ObjectID: bob.ID})
	if err != nil {
		t.Fatal(err)
	}

	if warnings := f.PublishFollowRequest(ctx, request); len(warnings) != 0 {
		t.Fatalf("warnings = %+v", warnings)
	}
	got := reachable.bodies("/api/authors/bob/inbox")
	if len(got) != 1 || got[0]["type"] != "follow" {
		t.Fatalf("received %v", got)
	}
	object, _ := got[0]["object"].(map[string]any)
	if object["id"] != bob.FQID {
		t.Errorf("object = %v", object)
	}

	if _, err := s.GetFollow(ctx, alice.ID, bob.ID); err == nil {
		t.Error("follow created before the remote node accepted")
	}
}

func TestSyncFollowRequests(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	config := types.NodeConfig{BaseURL: storetest.BaseURL, DeliveryTimeout: 2 * time.Second}
	w := NewWorker(nil, s, apclient.NewClient(nil, s, config), config)

	accepting := newPeer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/authors/bob/followers/") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	storetest.Node(t, s, accepting.URL+"/api/", types.DefaultNodeCapabilities())

	alice := storetest.LocalAuthor(t, s, "Alice")
	bob := storetest.RemoteAuthor(t, s, accepting.URL, "bob", "Bob")
	carol := storetest.RemoteAuthor(t, s, accepting.URL, "carol", "Carol")
	for _, object := range []types.Author{bob, carol} {
		if _, err := s.UpsertFollowRequest(ctx, types.FollowRequest{ActorID: alice.ID, ObjectID: object.ID}); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.SyncFollowRequests(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetFollow(ctx, alice.ID, bob.ID); err != nil {
		t.Errorf("accepted request not converted: %v", err)
	}
	if _, err := s.GetFollowRequest(ctx, alice.ID, bob.ID); err == nil {
		t.Error("accepted request still pending")
	}
	if _, err := s.GetFollowRequest(ctx, alice.ID, carol.ID); err != nil {
		t.Errorf("unaccepted request dropped: %v", err)
	}
}
