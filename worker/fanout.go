package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

var tracer = otel.Tracer("worker")

// DeliveryQueue is the redis list async deliveries are pushed onto.
const DeliveryQueue = "socialnode:deliveries"

// DeliveryJob is one queued (node, recipient) push.
type DeliveryJob struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"nodeID"`
	Recipient string          `json:"recipient"`
	Envelope  json.RawMessage `json:"envelope"`
}

// Fanout delivers local events to the inboxes of their audience.
type Fanout struct {
	store  *store.Store
	bridge *bridge.Service
	client *apclient.Client
	rdb    *redis.Client
	config types.NodeConfig
}

// NewFanout returns a Fanout. rdb is only used when config.AsyncDelivery is set.
func NewFanout(
	store *store.Store,
	bridge *bridge.Service,
	client *apclient.Client,
	rdb *redis.Client,
	config types.NodeConfig,
) *Fanout {
	return &Fanout{
		store:  store,
		bridge: bridge,
		client: client,
		rdb:    rdb,
		config: config,
	}
}

type target struct {
	node      types.Node
	recipient types.Author
}

// PublishPost sends a created, edited or deleted post to the author's followers,
// narrowed to friends for FRIENDS posts. A tombstone also retracts the post
// from local inboxes.
func (f *Fanout) PublishPost(ctx context.Context, post types.Post) []types.DeliveryWarning {
	ctx, span := tracer.Start(ctx, "FanoutPublishPost")
	defer span.End()

	author, err := f.sender(ctx, post.Author, post.AuthorID)
	if err != nil {
		return []types.DeliveryWarning{{Recipient: post.FQID, Reason: err.Error()}}
	}
	post.Author = author

	audience, err := f.postAudience(ctx, post)
	if err != nil {
		span.RecordError(err)
		return []types.DeliveryWarning{{Recipient: author.FQID, Reason: "cannot load followers: " + err.Error()}}
	}

	envelope := f.bridge.EncodePost(ctx, post)
	ref := types.PostRef(post.ID)

	if post.Visibility == types.VisibilityDeleted {
		if err := f.store.SoftDeleteInboxItemsFor(ctx, ref); err != nil {
			log.Error().Err(err).Str("post", post.FQID).Msg("retract inbox items")
		}
		_, remote := lo.FilterReject(audience, func(a types.Author, _ int) bool { return a.IsLocal })
		return f.push(ctx, remote, envelope)
	}

	return f.deliver(ctx, author, ref, envelope, audience)
}

func (f *Fanout) postAudience(ctx context.Context, post types.Post) ([]types.Author, error) {
	followers, err := f.store.ListFollowers(ctx, post.AuthorID)
	if err != nil {
		return nil, err
	}
	if post.Visibility != types.VisibilityFriends {
		return followers, nil
	}

	following, err := f.store.ListFollowing(ctx, post.AuthorID)
	if err != nil {
		return nil, err
	}
	followed := lo.Associate(following, func(a types.Author) (string, bool) { return a.ID, true })
	return lo.Filter(followers, func(a types.Author, _ int) bool { return followed[a.ID] }), nil
}

// PublishComment sends a comment to the author of the commented post.
func (f *Fanout) PublishComment(ctx context.Context, comment types.Comment) []types.DeliveryWarning {
	ctx, span := tracer.Start(ctx, "FanoutPublishComment")
	defer span.End()

	if comment.Post.Author.ID == "" {
		loaded, err := f.store.GetCommentByID(ctx, comment.ID)
		if err != nil {
			span.RecordError(err)
			return []types.DeliveryWarning{{Recipient: comment.FQID, Reason: err.Error()}}
		}
		comment = loaded
	}

	envelope := f.bridge.EncodeComment(ctx, comment)
	return f.deliver(ctx, comment.Author, types.CommentRef(comment.ID), envelope, []types.Author{comment.Post.Author})
}

// PublishLike sends a like to the author of its target. Liking a comment also
// notifies the author of the post when that is someone else.
func (f *Fanout) PublishLike(ctx context.Context, like types.Like) []types.DeliveryWarning {
	ctx, span := tracer.Start(ctx, "FanoutPublishLike")
	defer span.End()

	if like.Post == nil && like.Comment == nil {
		loaded, err := f.store.GetLikeByID(ctx, like.ID)
		if err != nil {
			span.RecordError(err)
			return []types.DeliveryWarning{{Recipient: like.FQID, Reason: err.Error()}}
		}
		like = loaded
	}

	var audience []types.Author
	switch {
	case like.Post != nil:
		audience = append(audience, like.Post.Author)
	case like.Comment != nil:
		audience = append(audience, like.Comment.Author, like.Comment.Post.Author)
	}

	envelope := f.bridge.EncodeLike(like)
	return f.deliver(ctx, like.Author, types.LikeRef(like.ID), envelope, audience)
}

// PublishFollowRequest sends a follow request to its target.
func (f *Fanout) PublishFollowRequest(ctx context.Context, request types.FollowRequest) []types.DeliveryWarning {
	ctx, span := tracer.Start(ctx, "FanoutPublishFollowRequest")
	defer span.End()

	if request.Actor.ID == "" || request.Object.ID == "" {
		loaded, err := f.store.GetFollowRequestByID(ctx, request.ID)
		if err != nil {
			span.RecordError(err)
			return []types.DeliveryWarning{{Reason: err.Error()}}
		}
		request = loaded
	}

	envelope := f.bridge.EncodeFollow(request.Actor, request.Object, request.Summary)
	return f.deliver(ctx, request.Actor, types.FollowRequestRef(request.ID), envelope, []types.Author{request.Object})
}

func (f *Fanout) sender(ctx context.Context, author types.Author, authorID string) (types.Author, error) {
	if author.ID != "" {
		return author, nil
	}
	return f.store.GetAuthorByID(ctx, authorID)
}

// deliver notifies local audience members directly and pushes to remote ones.
func (f *Fanout) deliver(ctx context.Context, sender types.Author, ref types.ObjectRef, envelope any, audience []types.Author) []types.DeliveryWarning {
	audience = lo.UniqBy(audience, func(a types.Author) string { return a.ID })
	audience = lo.Filter(audience, func(a types.Author, _ int) bool { return a.ID != "" && a.ID != sender.ID })

	local, remote := lo.FilterReject(audience, func(a types.Author, _ int) bool { return a.IsLocal })

	var warnings []types.DeliveryWarning
	for _, recipient := range local {
		if _, err := f.store.RecordInboxItem(ctx, recipient.ID, sender.ID, ref); err != nil {
			log.Error().Err(err).Str("recipient", recipient.FQID).Msg("record inbox item")
			warnings = append(warnings, types.DeliveryWarning{Recipient: recipient.FQID, Reason: err.Error()})
		}
	}

	return append(warnings, f.push(ctx, remote, envelope)...)
}

// push matches remote recipients to active nodes and sends envelope to each pair.
func (f *Fanout) push(ctx context.Context, recipients []types.Author, envelope any) []types.DeliveryWarning {
	if len(recipients) == 0 {
		return nil
	}

	nodes, err := f.store.GetActiveNodes(ctx)
	if err != nil {
		return lo.Map(recipients, func(a types.Author, _ int) types.DeliveryWarning {
			return types.DeliveryWarning{Recipient: a.FQID, Reason: "cannot load nodes: " + err.Error()}
		})
	}

	var (
		targets  []target
		warnings []types.DeliveryWarning
	)
	for _, recipient := range recipients {
		host := recipient.Host
		if host == "" {
			host = fqid.HostOf(recipient.FQID)
		}
		node, ok := lo.Find(nodes, func(n types.Node) bool { return fqid.SameHost(host, n.Host) })
		if !ok {
			log.Warn().Str("recipient", recipient.FQID).Str("host", host).Msg("no registered node for recipient")
			warnings = append(warnings, types.DeliveryWarning{Recipient: recipient.FQID, Reason: "no registered node for " + host})
			continue
		}
		targets = append(targets, target{node: node, recipient: recipient})
	}

	if f.config.AsyncDelivery && f.rdb != nil {
		return append(warnings, f.enqueue(ctx, targets, envelope)...)
	}
	return append(warnings, f.dispatch(ctx, targets, envelope)...)
}

// dispatch pushes to every target concurrently. One failure never stops the others.
func (f *Fanout) dispatch(ctx context.Context, targets []target, envelope any) []types.DeliveryWarning {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		warnings []types.DeliveryWarning
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			err := f.client.PostToInbox(ctx, t.node, t.recipient.FQID, envelope)
			if err == nil {
				return
			}
			mu.Lock()
			warnings = append(warnings, types.DeliveryWarning{Node: t.node.Host, Recipient: t.recipient.FQID, Reason: err.Error()})
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return warnings
}

func (f *Fanout) enqueue(ctx context.Context, targets []target, envelope any) []types.DeliveryWarning {
	body, err := json.Marshal(envelope)
	if err != nil {
		return lo.Map(targets, func(t target, _ int) types.DeliveryWarning {
			return types.DeliveryWarning{Node: t.node.Host, Recipient: t.recipient.FQID, Reason: err.Error()}
		})
	}

	var warnings []types.DeliveryWarning
	for _, t := range targets {
		job, _ := json.Marshal(DeliveryJob{ID: uuid.NewString(), NodeID: t.node.ID, Recipient: t.recipient.FQID, Envelope: body})
		if err := f.rdb.LPush(ctx, DeliveryQueue, job).Err(); err != nil {
			log.Error().Err(err).Str("recipient", t.recipient.FQID).Msg("enqueue delivery")
			warnings = append(warnings, types.DeliveryWarning{Node: t.node.Host, Recipient: t.recipient.FQID, Reason: "queue unavailable: " + err.Error()})
		}
	}
	return warnings
}
