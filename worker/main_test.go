package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/store/storetest"
	"github.com/concrnt/socialnode/types"
)

func newQueue(t *testing.T) (*Fanout, *Worker, *store.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { rdb.Close() })

	s := storetest.New(t)
	config := types.NodeConfig{BaseURL: storetest.BaseURL, DeliveryTimeout: 2 * time.Second, AsyncDelivery: true}
	codec := bridge.NewService(s, storetest.Minter, config, nil)
	client := apclient.NewClient(nil, s, config)
	return NewFanout(s, codec, client, rdb, config), NewWorker(rdb, s, client, config), s, rdb
}

// runDeliveries consumes the queue until the test ends.
func runDeliveries(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.StartDeliveryWorker(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("delivery worker did not stop")
		}
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestQueuedDeliveryReachesPeer(t *testing.T) {
	f, w, s, rdb := newQueue(t)
	ctx := context.Background()

	reachable := newPeer(t, nil)
	failing := newPeer(t, func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	})
	storetest.Node(t, s, failing.URL+"/api/", types.DefaultNodeCapabilities())
	storetest.Node(t, s, reachable.URL+"/api/", types.DefaultNodeCapabilities())

	alice := storetest.LocalAuthor(t, s, "Alice")
	carol := storetest.RemoteAuthor(t, s, failing.URL, "carol", "Carol")
	bob := storetest.RemoteAuthor(t, s, reachable.URL, "bob", "Bob")
	storetest.Follow(t, s, carol, alice)
	storetest.Follow(t, s, bob, alice)

	first := storetest.LocalPost(t, s, alice, types.VisibilityPublic, "one")
	second := storetest.LocalPost(t, s, alice, types.VisibilityPublic, "two")
	for _, post := range []types.Post{first, second} {
		if warnings := f.PublishPost(ctx, post); len(warnings) != 0 {
			t.Fatalf("warnings = %+v", warnings)
		}
	}

	queued, err := rdb.LRange(ctx, DeliveryQueue, 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 4 {
		t.Fatalf("queued = %d", len(queued))
	}
	var job DeliveryJob
	if err := json.Unmarshal([]byte(queued[0]), &job); err != nil || job.ID == "" || job.NodeID == "" {
		t.Errorf("job = %+v, %v", job, err)
	}
	if len(reachable.bodies("/api/authors/bob/inbox")) != 0 {
		t.Fatal("delivered before the worker ran")
	}

	runDeliveries(t, w)

	eventually(t, "both posts at the reachable peer", func() bool {
		return len(reachable.bodies("/api/authors/bob/inbox")) == 2
	})
	eventually(t, "an empty queue", func() bool {
		n, err := rdb.LLen(ctx, DeliveryQueue).Result()
		return err == nil && n == 0
	})

	got := reachable.bodies("/api/authors/bob/inbox")
	if got[0]["id"] != first.FQID || got[1]["id"] != second.FQID {
		t.Errorf("delivery order = %v, %v", got[0]["id"], got[1]["id"])
	}
}

func TestHandleDeliveryDropsUnusableJobs(t *testing.T) {
	_, w, s, _ := newQueue(t)
	ctx := context.Background()

	reachable := newPeer(t, nil)
	node := storetest.Node(t, s, reachable.URL+"/api/", types.DefaultNodeCapabilities())
	if err := s.SetNodeActive(ctx, node.Host, false); err != nil {
		t.Fatal(err)
	}

	disabled, _ := json.Marshal(DeliveryJob{
		ID:        "d1",
		NodeID:    node.ID,
		Recipient: reachable.URL + "/api/authors/bob",
		Envelope:  json.RawMessage(`{"type":"post"}`),
	})
	unknown, _ := json.Marshal(DeliveryJob{ID: "d2", NodeID: "missing", Recipient: reachable.URL + "/api/authors/bob"})

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed", "{nope"},
		{"unknown node", string(unknown)},
		{"disabled node", string(disabled)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w.handleDelivery(ctx, tt.payload)
		})
	}

	if got := reachable.bodies("/api/authors/bob/inbox"); len(got) != 0 {
		t.Errorf("dropped jobs were delivered: %v", got)
	}
}

func TestHandleDeliveryToUnreachablePeer(t *testing.T) {
	_, w, s, _ := newQueue(t)
	ctx := context.Background()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	node := storetest.Node(t, s, deadURL+"/api/", types.DefaultNodeCapabilities())

	payload, _ := json.Marshal(DeliveryJob{
		ID:        "d3",
		NodeID:    node.ID,
		Recipient: deadURL + "/api/authors/carol",
		Envelope:  json.RawMessage(`{"type":"post"}`),
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		w.handleDelivery(ctx, string(payload))
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery to an unreachable peer did not return")
	}
}
