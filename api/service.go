package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/concrnt/socialnode/apclient"
	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/policy"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
	"github.com/concrnt/socialnode/worker"
)

const searchLimit = 20

type Service struct {
	store  *store.Store
	bridge *bridge.Service
	fanout *worker.Fanout
	client *apclient.Client
}

func NewService(
	store *store.Store,
	bridge *bridge.Service,
	fanout *worker.Fanout,
	client *apclient.Client,
) *Service {
	return &Service{
		store,
		bridge,
		fanout,
		client,
	}
}

// PostRequest is the body of post creation and edits.
type PostRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ContentType string `json:"contentType" validate:"contenttype"`
	Content     string `json:"content" validate:"required"`
	Visibility  string `json:"visibility" validate:"visibility,ne=DELETED"`
}

// CommentRequest is the body of comment creation.
type CommentRequest struct {
	Post        string `json:"post" validate:"required,fqid"`
	Comment     string `json:"comment" validate:"required"`
	ContentType string `json:"contentType" validate:"commenttype"`
}

// LikeRequest names a post or comment to like.
type LikeRequest struct {
	Object string `json:"object" validate:"required,fqid"`
}

// FollowRequest names the author to follow.
type FollowRequest struct {
	Object  string `json:"object" validate:"required,fqid"`
	Summary string `json:"summary"`
}

func (r *PostRequest) normalize() {
	r.ContentType = bridge.NormalizeContentType(r.ContentType)
	r.Visibility = strings.ToUpper(strings.TrimSpace(r.Visibility))
}

// ---------------------------------------------------------------------
// posts

func (s *Service) CreatePost(ctx context.Context, me types.Author, request PostRequest) (types.PostEnvelope, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.CreatePost")
	defer span.End()

	request.normalize()
	if err := s.bridge.Validate(request); err != nil {
		return types.PostEnvelope{}, nil, err
	}
	visibility, _ := types.ParseVisibility(request.Visibility)

	minter := s.bridge.Minter()
	id := uuid.NewString()
	post, err := s.store.CreatePost(ctx, types.Post{
		ID:          id,
		FQID:        minter.Post(me.ID, id),
		AuthorID:    me.ID,
		Title:       request.Title,
		Description: request.Description,
		ContentType: request.ContentType,
		Content:     bridge.DecodeContent(request.ContentType, request.Content),
		Visibility:  visibility,
		PageURL:     minter.PostPage(me.ID, id),
		Published:   time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return types.PostEnvelope{}, nil, err
	}

	warnings := s.fanout.PublishPost(ctx, post)
	return s.bridge.EncodePost(ctx, post), warnings, nil
}

// ownPost loads a live post of me. Tombstones are gone for editing purposes.
func (s *Service) ownPost(ctx context.Context, me types.Author, id string) (types.Post, error) {
	post, err := s.store.GetPostByID(ctx, id)
	if err != nil {
		return types.Post{}, err
	}
	if post.AuthorID != me.ID {
		return types.Post{}, errors.Wrap(types.ErrForbidden, "post belongs to another author")
	}
	return post, nil
}

func (s *Service) UpdatePost(ctx context.Context, me types.Author, id string, request PostRequest) (types.PostEnvelope, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.UpdatePost")
	defer span.End()

	request.normalize()
	if err := s.bridge.Validate(request); err != nil {
		return types.PostEnvelope{}, nil, err
	}

	post, err := s.ownPost(ctx, me, id)
	if err != nil {
		return types.PostEnvelope{}, nil, err
	}
	if post.Visibility == types.VisibilityDeleted {
		return types.PostEnvelope{}, nil, errors.Wrap(types.ErrNotFound, "post "+id)
	}

	post.Title = request.Title
	post.Description = request.Description
	post.ContentType = request.ContentType
	post.Content = bridge.DecodeContent(request.ContentType, request.Content)
	post.Visibility, _ = types.ParseVisibility(request.Visibility)

	updated, err := s.store.UpdatePost(ctx, post)
	if err != nil {
		span.RecordError(err)
		return types.PostEnvelope{}, nil, err
	}

	warnings := s.fanout.PublishPost(ctx, updated)
	return s.bridge.EncodePost(ctx, updated), warnings, nil
}

// DeletePost turns the post into a tombstone and announces it.
func (s *Service) DeletePost(ctx context.Context, me types.Author, id string) (types.PostEnvelope, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.DeletePost")
	defer span.End()

	if _, err := s.ownPost(ctx, me, id); err != nil {
		return types.PostEnvelope{}, nil, err
	}
	post, err := s.store.SetPostVisibility(ctx, id, types.VisibilityDeleted)
	if err != nil {
		span.RecordError(err)
		return types.PostEnvelope{}, nil, err
	}

	warnings := s.fanout.PublishPost(ctx, post)
	return s.bridge.EncodePost(ctx, post), warnings, nil
}

// canSee applies direct-link visibility of post for me.
func (s *Service) canSee(ctx context.Context, me types.Author, post types.Post) error {
	rel, err := s.store.Relationship(ctx, me.ID, post.AuthorID)
	if err != nil {
		return err
	}
	return policy.Access(&me, true, post, rel)
}

// ---------------------------------------------------------------------
// comments and likes

func (s *Service) CreateComment(ctx context.Context, me types.Author, request CommentRequest) (types.CommentEnvelope, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.CreateComment")
	defer span.End()

	request.ContentType = bridge.NormalizeContentType(request.ContentType)
	if err := s.bridge.Validate(request); err != nil {
		return types.CommentEnvelope{}, nil, err
	}

	post, err := s.store.GetPostByFQID(ctx, request.Post)
	if err != nil {
		return types.CommentEnvelope{}, nil, err
	}
	if err := s.canSee(ctx, me, post); err != nil {
		return types.CommentEnvelope{}, nil, err
	}
	if post.Visibility == types.VisibilityDeleted {
		return types.CommentEnvelope{}, nil, errors.Wrap(types.ErrNotFound, "post "+post.FQID)
	}

	id := uuid.NewString()
	comment, err := s.store.CreateComment(ctx, types.Comment{
		ID:          id,
		FQID:        s.bridge.Minter().Comment(me.ID, fqid.Serial(post.FQID), id),
		AuthorID:    me.ID,
		PostID:      post.ID,
		Comment:     request.Comment,
		ContentType: request.ContentType,
		Published:   time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return types.CommentEnvelope{}, nil, err
	}

	warnings := s.fanout.PublishComment(ctx, comment)
	return s.bridge.EncodeComment(ctx, comment), warnings, nil
}

// likeTarget resolves a visible post or comment by fqid.
func (s *Service) likeTarget(ctx context.Context, me types.Author, id string) (types.ObjectRef, error) {
	post, err := s.store.GetPostByFQID(ctx, id)
	if err == nil {
		if err := s.canSee(ctx, me, post); err != nil {
			return types.ObjectRef{}, err
		}
		return types.PostRef(post.ID), nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.ObjectRef{}, err
	}

	comment, err := s.store.GetCommentByFQID(ctx, id)
	if err != nil {
		return types.ObjectRef{}, err
	}
	if err := s.canSee(ctx, me, comment.Post); err != nil {
		return types.ObjectRef{}, err
	}
	return types.CommentRef(comment.ID), nil
}

// Like records a like of me on a post or comment. Liking twice returns the
// first like and sends nothing.
func (s *Service) Like(ctx context.Context, me types.Author, request LikeRequest) (types.LikeEnvelope, bool, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Like")
	defer span.End()

	if err := s.bridge.Validate(request); err != nil {
		return types.LikeEnvelope{}, false, nil, err
	}
	target, err := s.likeTarget(ctx, me, request.Object)
	if err != nil {
		return types.LikeEnvelope{}, false, nil, err
	}

	existing, err := s.store.GetLikeByAuthorAndTarget(ctx, me.ID, target)
	if err == nil {
		return s.bridge.EncodeLike(existing), false, nil, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.LikeEnvelope{}, false, nil, err
	}

	id := uuid.NewString()
	like := types.Like{
		ID:        id,
		FQID:      s.bridge.Minter().Like(me.ID, id),
		AuthorID:  me.ID,
		Published: time.Now().UTC(),
	}
	like.SetTarget(target)
	like, err = s.store.UpsertLike(ctx, like)
	if err != nil {
		span.RecordError(err)
		return types.LikeEnvelope{}, false, nil, err
	}

	warnings := s.fanout.PublishLike(ctx, like)
	return s.bridge.EncodeLike(like), true, warnings, nil
}

// ---------------------------------------------------------------------
// follows

// followee finds the author behind id. Unknown remote authors are recorded
// from their fqid so a request can point at them.
func (s *Service) followee(ctx context.Context, id string) (types.Author, error) {
	author, err := s.store.GetAuthorByFQID(ctx, id)
	if err == nil || !errors.Is(err, types.ErrNotFound) || s.bridge.Minter().IsLocal(id) {
		return author, err
	}
	return s.store.UpsertAuthor(ctx, types.Author{FQID: id, Host: fqid.HostOf(id)})
}

// Follow sends a follow request. It stays pending until the target accepts.
func (s *Service) Follow(ctx context.Context, me types.Author, request FollowRequest) (types.FollowRequest, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Follow")
	defer span.End()

	if err := s.bridge.Validate(request); err != nil {
		return types.FollowRequest{}, nil, err
	}
	target, err := s.followee(ctx, request.Object)
	if err != nil {
		return types.FollowRequest{}, nil, err
	}
	if target.ID == me.ID {
		return types.FollowRequest{}, nil, types.NewValidationError("object", "self")
	}
	if target.IsLocal && !target.IsApproved {
		return types.FollowRequest{}, nil, errors.Wrap(types.ErrNotFound, "author "+target.FQID)
	}

	_, err = s.store.GetFollow(ctx, me.ID, target.ID)
	if err == nil {
		return types.FollowRequest{}, nil, errors.Wrap(types.ErrConflict, "already following "+target.FQID)
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.FollowRequest{}, nil, err
	}

	summary := request.Summary
	if summary == "" {
		summary = me.DisplayName + " wants to follow " + lo.Ternary(target.DisplayName != "", target.DisplayName, target.FQID)
	}
	followRequest, err := s.store.UpsertFollowRequest(ctx, types.FollowRequest{
		ActorID:  me.ID,
		ObjectID: target.ID,
		Summary:  summary,
	})
	if err != nil {
		span.RecordError(err)
		return types.FollowRequest{}, nil, err
	}

	warnings := s.fanout.PublishFollowRequest(ctx, followRequest)
	return followRequest, warnings, nil
}

// Unfollow removes the follow of me on target, or cancels a pending request.
// The target's node is told when the follow was remote.
func (s *Service) Unfollow(ctx context.Context, me types.Author, targetID string) ([]types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Unfollow")
	defer span.End()

	target, err := s.store.GetAuthorByFQID(ctx, fqid.Decode(targetID))
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteFollow(ctx, me.ID, target.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if deleted {
		if target.IsLocal {
			return nil, nil
		}
		return s.notifyUnfollow(ctx, me, target), nil
	}

	request, err := s.store.GetFollowRequest(ctx, me.ID, target.ID)
	if err != nil {
		return nil, err
	}
	return nil, s.store.DeleteFollowRequest(ctx, request.ID)
}

func (s *Service) notifyUnfollow(ctx context.Context, me, target types.Author) []types.DeliveryWarning {
	nodes, err := s.store.GetActiveNodes(ctx)
	if err != nil {
		return []types.DeliveryWarning{{Recipient: target.FQID, Reason: err.Error()}}
	}
	node, ok := lo.Find(nodes, func(n types.Node) bool { return fqid.SameHost(n.Host, target.Host) })
	if !ok {
		return []types.DeliveryWarning{{Recipient: target.FQID, Reason: "no registered node for " + target.Host}}
	}
	if err := s.client.RemoveFollower(ctx, node, target.FQID, me.FQID); err != nil {
		return []types.DeliveryWarning{{Node: node.Host, Recipient: target.FQID, Reason: err.Error()}}
	}
	return nil
}

// ListFollowRequests returns the requests waiting for me.
func (s *Service) ListFollowRequests(ctx context.Context, me types.Author) ([]types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListFollowRequests")
	defer span.End()

	return s.store.ListFollowRequestsFor(ctx, me.ID)
}

// incomingRequest loads a request addressed to me. Requests for other
// authors are reported as missing.
func (s *Service) incomingRequest(ctx context.Context, me types.Author, id string) (types.FollowRequest, error) {
	request, err := s.store.GetFollowRequestByID(ctx, id)
	if err != nil {
		return types.FollowRequest{}, err
	}
	if request.ObjectID != me.ID {
		return types.FollowRequest{}, errors.Wrap(types.ErrNotFound, "follow request "+id)
	}
	return request, nil
}

// AcceptFollowRequest makes the requester a follower of me. Remote nodes
// learn about it through the followers endpoint.
func (s *Service) AcceptFollowRequest(ctx context.Context, me types.Author, id string) (types.Follow, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.AcceptFollowRequest")
	defer span.End()

	if _, err := s.incomingRequest(ctx, me, id); err != nil {
		return types.Follow{}, err
	}
	follow, err := s.store.AcceptFollowRequest(ctx, id)
	if err != nil {
		span.RecordError(err)
		return types.Follow{}, err
	}
	log.Info().Str("follower", follow.UserID).Str("author", me.FQID).Msg("follow request accepted")
	return follow, nil
}

func (s *Service) DenyFollowRequest(ctx context.Context, me types.Author, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.DenyFollowRequest")
	defer span.End()

	if _, err := s.incomingRequest(ctx, me, id); err != nil {
		return err
	}
	return s.store.DeleteFollowRequest(ctx, id)
}

// ---------------------------------------------------------------------
// inbox and stream

// InboxPage is one page of my notifications.
type InboxPage struct {
	Count int64                 `json:"count"`
	Items []types.InboxItemView `json:"items"`
}

func (s *Service) ListInbox(ctx context.Context, me types.Author, page types.Page) (InboxPage, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListInbox")
	defer span.End()

	items, count, err := s.store.ListInbox(ctx, me.ID, page)
	if err != nil {
		span.RecordError(err)
		return InboxPage{}, err
	}
	return InboxPage{
		Count: count,
		Items: lo.Map(items, func(item types.InboxItem, _ int) types.InboxItemView {
			return s.bridge.EncodeInboxItem(ctx, item)
		}),
	}, nil
}

func (s *Service) MarkInboxItemRead(ctx context.Context, me types.Author, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.MarkInboxItemRead")
	defer span.End()

	return s.store.SetInboxVisibility(ctx, me.ID, id, types.InboxRead)
}

func (s *Service) DeleteInboxItem(ctx context.Context, me types.Author, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.DeleteInboxItem")
	defer span.End()

	return s.store.SetInboxVisibility(ctx, me.ID, id, types.InboxDeleted)
}

// Stream returns the posts me may see in a feed, newest first.
func (s *Service) Stream(ctx context.Context, me types.Author, page types.Page) (types.PostsCollection, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Stream")
	defer span.End()

	posts, count, err := s.store.ListStream(ctx, me.ID, page)
	if err != nil {
		span.RecordError(err)
		return types.PostsCollection{}, err
	}
	return s.bridge.EncodePosts(ctx, me.FQID+"/stream", "", page, count, posts), nil
}

// ---------------------------------------------------------------------
// search

// Search matches local authors and the directories of every active node.
// Remote hits are stored so they can be followed. A node that fails to answer
// is reported as a warning.
func (s *Service) Search(ctx context.Context, query string) ([]types.AuthorEnvelope, []types.DeliveryWarning, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil, types.NewValidationError("q", "required")
	}

	local, err := s.store.SearchAuthors(ctx, query, searchLimit)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	results := lo.Map(local, func(a types.Author, _ int) types.AuthorEnvelope { return s.bridge.EncodeAuthor(a) })

	nodes, err := s.store.GetActiveNodes(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	var warnings []types.DeliveryWarning
	for _, node := range nodes {
		found, err := s.client.FetchAuthors(ctx, node, query)
		if err != nil {
			log.Warn().Err(err).Str("node", node.Host).Msg("author search failed")
			warnings = append(warnings, types.DeliveryWarning{Node: node.Host, Reason: err.Error()})
			continue
		}
		for _, envelope := range found {
			if s.bridge.Minter().IsLocal(envelope.ID) {
				continue
			}
			author, err := s.store.UpsertAuthor(ctx, s.bridge.DecodeAuthor(envelope))
			if err != nil {
				log.Warn().Err(err).Str("author", envelope.ID).Msg("skip remote author")
				continue
			}
			results = append(results, s.bridge.EncodeAuthor(author))
		}
	}

	results = lo.UniqBy(results, func(a types.AuthorEnvelope) string { return a.ID })
	return results, warnings, nil
}
