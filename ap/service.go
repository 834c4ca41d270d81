package ap

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/concrnt/socialnode/bridge"
	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/middleware"
	"github.com/concrnt/socialnode/policy"
	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

type Service struct {
	store  *store.Store
	bridge *bridge.Service
	info   types.NodeInfo
}

func NewService(
	store *store.Store,
	bridge *bridge.Service,
	info types.NodeInfo,
) *Service {
	return &Service{
		store,
		bridge,
		info,
	}
}

var ErrInvalidType = errors.New("Invalid type")

// Accepted is what the inbox reports for a stored envelope.
type Accepted struct {
	Type string
	ID   string
}

// Inbox ingests one envelope pushed by sender and addressed to a local author.
// The object and its notification are written in one transaction.
func (s *Service) Inbox(ctx context.Context, sender types.Node, authorID string, body []byte) (Accepted, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Inbox")
	defer span.End()

	raw, err := types.LoadAsRawEnvelope(body)
	if err != nil {
		return Accepted{}, types.NewValidationError("body", err.Error())
	}

	kind := raw.Type()
	switch kind {
	case types.TypePost, types.TypeComment, types.TypeLike, types.TypeFollow:
	default:
		return Accepted{Type: kind}, ErrInvalidType
	}

	recipient, err := s.localAuthor(ctx, authorID)
	if err != nil {
		span.RecordError(err)
		return Accepted{Type: kind}, err
	}

	var accepted Accepted
	switch kind {
	case types.TypePost:
		accepted, err = s.inboxPost(ctx, sender, recipient, raw)
	case types.TypeComment:
		accepted, err = s.inboxComment(ctx, sender, recipient, raw)
	case types.TypeLike:
		accepted, err = s.inboxLike(ctx, sender, recipient, raw)
	case types.TypeFollow:
		accepted, err = s.inboxFollow(ctx, sender, recipient, raw)
	}
	accepted.Type = kind
	if err != nil {
		span.RecordError(err)
		log.Info().Err(err).Str("type", kind).Str("recipient", recipient.FQID).Msg("inbox envelope rejected")
		return accepted, err
	}

	log.Info().Str("type", kind).Str("id", accepted.ID).Str("recipient", recipient.FQID).Msg("inbox envelope stored")
	return accepted, nil
}

func (s *Service) inboxPost(ctx context.Context, sender types.Node, recipient types.Author, raw *types.RawEnvelope) (Accepted, error) {
	draft, err := s.bridge.DecodePost(raw)
	if err != nil {
		return Accepted{}, err
	}
	if err := s.hostedBy(sender, draft.Author.FQID, draft.Post.FQID); err != nil {
		return Accepted{}, err
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		author, err := tx.UpsertAuthor(ctx, draft.Author)
		if err != nil {
			return err
		}
		draft.Post.AuthorID = author.ID
		post, err := tx.UpsertPost(ctx, draft.Post)
		if err != nil {
			return err
		}
		if post.Visibility == types.VisibilityDeleted {
			return tx.SoftDeleteInboxItemsFor(ctx, types.PostRef(post.ID))
		}
		_, err = tx.RecordInboxItem(ctx, recipient.ID, author.ID, types.PostRef(post.ID))
		return err
	})
	return Accepted{ID: draft.Post.FQID}, err
}

func (s *Service) inboxComment(ctx context.Context, sender types.Node, recipient types.Author, raw *types.RawEnvelope) (Accepted, error) {
	draft, err := s.bridge.DecodeComment(raw)
	if err != nil {
		return Accepted{}, err
	}
	if err := s.hostedBy(sender, draft.Author.FQID, draft.Comment.FQID); err != nil {
		return Accepted{}, err
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		post, err := tx.GetPostByFQID(ctx, draft.PostFQID)
		if err != nil {
			return err
		}
		if post.Visibility == types.VisibilityDeleted {
			return errors.Wrap(types.ErrNotFound, "post "+draft.PostFQID)
		}
		author, err := tx.UpsertAuthor(ctx, draft.Author)
		if err != nil {
			return err
		}
		draft.Comment.AuthorID = author.ID
		draft.Comment.PostID = post.ID
		comment, err := tx.UpsertComment(ctx, draft.Comment)
		if err != nil {
			return err
		}
		_, err = tx.RecordInboxItem(ctx, recipient.ID, author.ID, types.CommentRef(comment.ID))
		return err
	})
	return Accepted{ID: draft.Comment.FQID}, err
}

func (s *Service) inboxLike(ctx context.Context, sender types.Node, recipient types.Author, raw *types.RawEnvelope) (Accepted, error) {
	draft, err := s.bridge.DecodeLike(raw)
	if err != nil {
		return Accepted{}, err
	}
	if err := s.hostedBy(sender, draft.Author.FQID, draft.Like.FQID); err != nil {
		return Accepted{}, err
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		target, err := likeTarget(ctx, tx, draft.ObjectFQID)
		if err != nil {
			return err
		}
		author, err := tx.UpsertAuthor(ctx, draft.Author)
		if err != nil {
			return err
		}
		if author.IsLocal {
			return errors.Wrapf(types.ErrConflict, "%s is a local author", author.FQID)
		}
		draft.Like.AuthorID = author.ID
		draft.Like.SetTarget(target)
		like, err := tx.UpsertLike(ctx, draft.Like)
		if err != nil {
			return err
		}
		_, err = tx.RecordInboxItem(ctx, recipient.ID, author.ID, types.LikeRef(like.ID))
		return err
	})
	return Accepted{ID: draft.Like.FQID}, err
}

// likeTarget resolves a liked object, trying posts before comments. Objects
// of a tombstoned post cannot be liked.
func likeTarget(ctx context.Context, s *store.Store, id string) (types.ObjectRef, error) {
	post, err := s.GetPostByFQID(ctx, id)
	if err == nil {
		if post.Visibility == types.VisibilityDeleted {
			return types.ObjectRef{}, errors.Wrap(types.ErrNotFound, "liked object "+id)
		}
		return types.PostRef(post.ID), nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.ObjectRef{}, err
	}
	comment, err := s.GetCommentByFQID(ctx, id)
	if err == nil {
		if comment.Post.Visibility == types.VisibilityDeleted {
			return types.ObjectRef{}, errors.Wrap(types.ErrNotFound, "liked object "+id)
		}
		return types.CommentRef(comment.ID), nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return types.ObjectRef{}, errors.Wrap(types.ErrNotFound, "liked object "+id)
	}
	return types.ObjectRef{}, err
}

func (s *Service) inboxFollow(ctx context.Context, sender types.Node, recipient types.Author, raw *types.RawEnvelope) (Accepted, error) {
	draft, err := s.bridge.DecodeFollow(raw)
	if err != nil {
		return Accepted{}, err
	}
	if draft.ObjectFQID != recipient.FQID {
		return Accepted{}, types.NewValidationError("object.id", "recipient")
	}
	if err := s.hostedBy(sender, draft.Actor.FQID); err != nil {
		return Accepted{}, err
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		actor, err := tx.UpsertAuthor(ctx, draft.Actor)
		if err != nil {
			return err
		}
		if actor.IsLocal {
			return errors.Wrapf(types.ErrConflict, "%s is a local author", actor.FQID)
		}

		_, err = tx.GetFollow(ctx, actor.ID, recipient.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		request, err := tx.UpsertFollowRequest(ctx, types.FollowRequest{
			ActorID:  actor.ID,
			ObjectID: recipient.ID,
			Summary:  draft.Summary,
		})
		if err != nil {
			return err
		}
		_, err = tx.RecordInboxItem(ctx, recipient.ID, actor.ID, types.FollowRequestRef(request.ID))
		return err
	})
	return Accepted{ID: draft.Actor.FQID}, err
}

// hostedBy checks that every remote fqid lives on the sender's host. Local
// fqids are left to the store, which refuses to overwrite them.
func (s *Service) hostedBy(sender types.Node, ids ...string) error {
	for _, id := range ids {
		if s.bridge.Minter().IsLocal(id) {
			continue
		}
		if !fqid.SameHost(sender.Host, fqid.HostOf(id)) {
			return errors.Wrapf(types.ErrForbidden, "%s is not hosted by %s", id, sender.Host)
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// authors

// resolveAuthor accepts a serial or a percent-encoded fqid. Local authors
// awaiting approval do not exist to the federation.
func (s *Service) resolveAuthor(ctx context.Context, id string) (types.Author, error) {
	decoded := fqid.Decode(id)
	var author types.Author
	var err error
	if strings.Contains(decoded, "://") {
		author, err = s.store.GetAuthorByFQID(ctx, decoded)
	} else {
		author, err = s.store.GetAuthorByID(ctx, decoded)
	}
	if err != nil {
		return types.Author{}, err
	}
	if hidden(author) {
		return types.Author{}, errors.Wrap(types.ErrNotFound, "author "+id)
	}
	return author, nil
}

func (s *Service) localAuthor(ctx context.Context, id string) (types.Author, error) {
	author, err := s.resolveAuthor(ctx, id)
	if err != nil {
		return types.Author{}, err
	}
	if !author.IsLocal {
		return types.Author{}, errors.Wrap(types.ErrNotFound, "no local author "+id)
	}
	return author, nil
}

func (s *Service) ListAuthors(ctx context.Context, page types.Page) (types.AuthorsEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListAuthors")
	defer span.End()

	authors, _, err := s.store.ListLocalAuthors(ctx, page)
	if err != nil {
		span.RecordError(err)
		return types.AuthorsEnvelope{}, err
	}
	return s.bridge.EncodeAuthors(authors), nil
}

func (s *Service) GetAuthor(ctx context.Context, id string) (types.AuthorEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.GetAuthor")
	defer span.End()

	author, err := s.resolveAuthor(ctx, id)
	if err != nil {
		span.RecordError(err)
		return types.AuthorEnvelope{}, err
	}
	return s.bridge.EncodeAuthor(author), nil
}

// ProfileRequest holds the editable fields of a local author.
type ProfileRequest struct {
	DisplayName  string `json:"displayName"`
	Github       string `json:"github"`
	ProfileImage string `json:"profileImage"`
}

// UpdateAuthor edits the profile of a local author. Only the author may do so.
func (s *Service) UpdateAuthor(ctx context.Context, requester middleware.Requester, authorID string, request ProfileRequest) (types.AuthorEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.UpdateAuthor")
	defer span.End()

	author, err := s.localAuthor(ctx, authorID)
	if err != nil {
		span.RecordError(err)
		return types.AuthorEnvelope{}, err
	}
	viewer := requester.Author()
	if viewer == nil || viewer.ID != author.ID {
		return types.AuthorEnvelope{}, errors.Wrap(types.ErrForbidden, "profile of "+authorID)
	}

	displayName := strings.TrimSpace(request.DisplayName)
	if displayName == "" {
		return types.AuthorEnvelope{}, types.NewValidationError("displayName", "required")
	}
	updated, err := s.store.UpdateAuthorProfile(ctx, author.ID, displayName, strings.TrimSpace(request.Github), strings.TrimSpace(request.ProfileImage))
	if err != nil {
		span.RecordError(err)
		return types.AuthorEnvelope{}, err
	}
	return s.bridge.EncodeAuthor(updated), nil
}

// ---------------------------------------------------------------------
// posts

func (s *Service) relationship(ctx context.Context, viewer *types.Author, authorID string) (policy.Relationship, error) {
	if viewer == nil {
		return policy.Relationship{}, nil
	}
	return s.store.Relationship(ctx, viewer.ID, authorID)
}

// access applies direct-link visibility of post for requester.
func (s *Service) access(ctx context.Context, requester middleware.Requester, authenticated bool, post types.Post) error {
	viewer := requester.Author()
	rel, err := s.relationship(ctx, viewer, post.AuthorID)
	if err != nil {
		return err
	}
	return policy.Access(viewer, authenticated, post, rel)
}

func (s *Service) ListAuthorPosts(ctx context.Context, requester middleware.Requester, authorID string, page types.Page) (types.PostsCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListAuthorPosts")
	defer span.End()

	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		span.RecordError(err)
		return types.PostsCollection{}, err
	}

	viewer := requester.Author()
	rel, err := s.relationship(ctx, viewer, author.ID)
	if err != nil {
		span.RecordError(err)
		return types.PostsCollection{}, err
	}

	posts, count, err := s.store.ListPostsByAuthor(ctx, author.ID, policy.ListingVisibilities(viewer, author.ID, rel), page)
	if err != nil {
		span.RecordError(err)
		return types.PostsCollection{}, err
	}
	return s.bridge.EncodePosts(ctx, author.FQID+"/posts", author.ProfileURL, page, count, posts), nil
}

// loadPost finds a post by author and serial, or by fqid when authorID is empty.
func (s *Service) loadPost(ctx context.Context, authorID, postID string) (types.Post, error) {
	if authorID == "" {
		post, err := s.store.GetPostByFQID(ctx, fqid.Decode(postID))
		if err != nil {
			return types.Post{}, err
		}
		if hidden(post.Author) {
			return types.Post{}, errors.Wrap(types.ErrNotFound, "post "+postID)
		}
		return post, nil
	}
	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		return types.Post{}, err
	}

	decoded := fqid.Decode(postID)
	var post types.Post
	if strings.Contains(decoded, "://") {
		post, err = s.store.GetPostByFQID(ctx, decoded)
	} else {
		post, err = s.store.GetPostByID(ctx, decoded)
	}
	if err != nil {
		return types.Post{}, err
	}
	if post.AuthorID != author.ID {
		return types.Post{}, errors.Wrap(types.ErrNotFound, "post "+postID)
	}
	return post, nil
}

// GetPost returns a post if requester may see it by direct link.
func (s *Service) GetPost(ctx context.Context, requester middleware.Requester, authenticated bool, authorID, postID string) (types.PostEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.GetPost")
	defer span.End()

	post, err := s.loadPost(ctx, authorID, postID)
	if err != nil {
		span.RecordError(err)
		return types.PostEnvelope{}, err
	}
	if err := s.access(ctx, requester, authenticated, post); err != nil {
		return types.PostEnvelope{}, err
	}
	return s.bridge.EncodePost(ctx, post), nil
}

func (s *Service) ListPostComments(ctx context.Context, requester middleware.Requester, authenticated bool, authorID, postID string, page types.Page) (types.CommentsCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListPostComments")
	defer span.End()

	post, err := s.loadPost(ctx, authorID, postID)
	if err != nil {
		span.RecordError(err)
		return types.CommentsCollection{}, err
	}
	if err := s.access(ctx, requester, authenticated, post); err != nil {
		return types.CommentsCollection{}, err
	}

	comments, count, err := s.store.ListCommentsByPost(ctx, post.ID, page)
	if err != nil {
		span.RecordError(err)
		return types.CommentsCollection{}, err
	}
	return s.bridge.EncodeComments(ctx, post.FQID+"/comments", post.PageURL, page, count, comments), nil
}

func (s *Service) ListPostLikes(ctx context.Context, requester middleware.Requester, authenticated bool, authorID, postID string, page types.Page) (types.LikesCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListPostLikes")
	defer span.End()

	post, err := s.loadPost(ctx, authorID, postID)
	if err != nil {
		span.RecordError(err)
		return types.LikesCollection{}, err
	}
	if err := s.access(ctx, requester, authenticated, post); err != nil {
		return types.LikesCollection{}, err
	}

	likes, count, err := s.store.ListLikesByTarget(ctx, types.PostRef(post.ID), page)
	if err != nil {
		span.RecordError(err)
		return types.LikesCollection{}, err
	}
	return s.bridge.EncodeLikes(post.FQID+"/likes", post.PageURL, page, count, likes), nil
}

func (s *Service) ListCommentLikes(ctx context.Context, requester middleware.Requester, authenticated bool, commentID string, page types.Page) (types.LikesCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListCommentLikes")
	defer span.End()

	comment, err := s.store.GetCommentByFQID(ctx, fqid.Decode(commentID))
	if err != nil {
		span.RecordError(err)
		return types.LikesCollection{}, err
	}
	if err := s.access(ctx, requester, authenticated, comment.Post); err != nil {
		return types.LikesCollection{}, err
	}

	likes, count, err := s.store.ListLikesByTarget(ctx, types.CommentRef(comment.ID), page)
	if err != nil {
		span.RecordError(err)
		return types.LikesCollection{}, err
	}
	return s.bridge.EncodeLikes(comment.FQID+"/likes", comment.Post.PageURL, page, count, likes), nil
}

// hidden reports whether an object by author must not be served at all.
func hidden(author types.Author) bool {
	return author.IsLocal && !author.IsApproved
}

// objectID turns a serial under authorID into an fqid. Absolute ids pass
// through and are checked against authorID by the caller.
func (s *Service) objectID(ctx context.Context, authorID, id string, segments ...string) (string, *types.Author, error) {
	decoded := fqid.Decode(id)
	if authorID == "" {
		return decoded, nil, nil
	}
	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		return "", nil, err
	}
	if strings.Contains(decoded, "://") {
		return decoded, &author, nil
	}
	return strings.Join(append(append([]string{author.FQID}, segments...), decoded), "/"), &author, nil
}

// GetLike returns one like if requester may see the object it targets.
func (s *Service) GetLike(ctx context.Context, requester middleware.Requester, authenticated bool, authorID, likeID string) (types.LikeEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.GetLike")
	defer span.End()

	id, author, err := s.objectID(ctx, authorID, likeID, "liked")
	if err != nil {
		span.RecordError(err)
		return types.LikeEnvelope{}, err
	}
	like, err := s.store.GetLikeByFQID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return types.LikeEnvelope{}, err
	}
	if (author != nil && like.AuthorID != author.ID) || hidden(like.Author) {
		return types.LikeEnvelope{}, errors.Wrap(types.ErrNotFound, "like "+likeID)
	}

	var post types.Post
	switch {
	case like.Post != nil:
		post = *like.Post
	case like.Comment != nil:
		post = like.Comment.Post
	default:
		return types.LikeEnvelope{}, errors.Wrap(types.ErrNotFound, "target of like "+likeID)
	}
	if err := s.access(ctx, requester, authenticated, post); err != nil {
		return types.LikeEnvelope{}, err
	}
	return s.bridge.EncodeLike(like), nil
}

// GetComment returns one comment if requester may see its post.
func (s *Service) GetComment(ctx context.Context, requester middleware.Requester, authenticated bool, authorID, postID, commentID string) (types.CommentEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.GetComment")
	defer span.End()

	id, author, err := s.objectID(ctx, authorID, commentID, "posts", postID, "commented")
	if err != nil {
		span.RecordError(err)
		return types.CommentEnvelope{}, err
	}
	comment, err := s.store.GetCommentByFQID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return types.CommentEnvelope{}, err
	}
	if (author != nil && comment.AuthorID != author.ID) || hidden(comment.Author) {
		return types.CommentEnvelope{}, errors.Wrap(types.ErrNotFound, "comment "+commentID)
	}
	if err := s.access(ctx, requester, authenticated, comment.Post); err != nil {
		return types.CommentEnvelope{}, err
	}
	return s.bridge.EncodeComment(ctx, comment), nil
}

// GetPostImage returns the decoded image of an image post.
func (s *Service) GetPostImage(ctx context.Context, requester middleware.Requester, authenticated bool, authorID, postID string) (string, []byte, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.GetPostImage")
	defer span.End()

	post, err := s.loadPost(ctx, authorID, postID)
	if err != nil {
		span.RecordError(err)
		return "", nil, err
	}
	if err := s.access(ctx, requester, authenticated, post); err != nil {
		return "", nil, err
	}
	return s.bridge.Image(ctx, post)
}

// visiblePost reports whether requester may see post by direct link. Lookup
// failures hide the object.
func (s *Service) visiblePost(ctx context.Context, requester middleware.Requester, post types.Post) bool {
	viewer := requester.Author()
	rel, err := s.relationship(ctx, viewer, post.AuthorID)
	if err != nil {
		log.Warn().Err(err).Str("post", post.FQID).Msg("relationship unavailable")
		return false
	}
	return policy.CanView(viewer, post, rel, policy.DirectLink)
}

// pageOf cuts one page out of an already filtered list.
func pageOf[T any](items []T, page types.Page) []T {
	return lo.Slice(items, page.Offset(), page.Offset()+page.Size)
}

// ListLiked returns the likes of an author on objects requester may see.
func (s *Service) ListLiked(ctx context.Context, requester middleware.Requester, authorID string, page types.Page) (types.LikesCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListLiked")
	defer span.End()

	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		span.RecordError(err)
		return types.LikesCollection{}, err
	}
	likes, err := s.store.ListLikesByAuthor(ctx, author.ID)
	if err != nil {
		span.RecordError(err)
		return types.LikesCollection{}, err
	}

	visible := lo.Filter(likes, func(l types.Like, _ int) bool {
		switch {
		case l.Post != nil:
			return s.visiblePost(ctx, requester, *l.Post)
		case l.Comment != nil:
			return s.visiblePost(ctx, requester, l.Comment.Post)
		}
		return false
	})
	return s.bridge.EncodeLikes(author.FQID+"/liked", author.ProfileURL, page, int64(len(visible)), pageOf(visible, page)), nil
}

// ListCommented returns the comments of an author on posts requester may see.
func (s *Service) ListCommented(ctx context.Context, requester middleware.Requester, authorID string, page types.Page) (types.CommentsCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListCommented")
	defer span.End()

	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		span.RecordError(err)
		return types.CommentsCollection{}, err
	}
	comments, err := s.store.ListCommentsByAuthor(ctx, author.ID)
	if err != nil {
		span.RecordError(err)
		return types.CommentsCollection{}, err
	}

	visible := lo.Filter(comments, func(c types.Comment, _ int) bool {
		return s.visiblePost(ctx, requester, c.Post)
	})
	return s.bridge.EncodeComments(ctx, author.FQID+"/commented", author.ProfileURL, page, int64(len(visible)), pageOf(visible, page)), nil
}

// ---------------------------------------------------------------------
// followers

func (s *Service) ListFollowers(ctx context.Context, authorID string) (types.FollowersEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.ListFollowers")
	defer span.End()

	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		span.RecordError(err)
		return types.FollowersEnvelope{}, err
	}
	followers, err := s.store.ListFollowers(ctx, author.ID)
	if err != nil {
		span.RecordError(err)
		return types.FollowersEnvelope{}, err
	}
	return s.bridge.EncodeFollowers(followers), nil
}

// GetFollower returns follower if it follows the author, else ErrNotFound.
func (s *Service) GetFollower(ctx context.Context, authorID, followerID string) (types.AuthorEnvelope, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.GetFollower")
	defer span.End()

	author, err := s.resolveAuthor(ctx, authorID)
	if err != nil {
		return types.AuthorEnvelope{}, err
	}
	follower, err := s.store.GetAuthorByFQID(ctx, fqid.Decode(followerID))
	if err != nil {
		return types.AuthorEnvelope{}, err
	}
	if _, err := s.store.GetFollow(ctx, follower.ID, author.ID); err != nil {
		return types.AuthorEnvelope{}, err
	}
	return s.bridge.EncodeAuthor(follower), nil
}

// mayAddFollower allows the followed local author and the node hosting the
// follower. A local follower cannot add itself: acceptance belongs to the target.
func mayAddFollower(requester middleware.Requester, author, follower types.Author) error {
	switch {
	case requester.IsLocal():
		if requester.Account.AuthorID == author.ID {
			return nil
		}
	case requester.IsNode():
		if fqid.SameHost(requester.Node.Host, fqid.HostOf(follower.FQID)) {
			return nil
		}
	default:
		return errors.Wrap(types.ErrUnauthorized, "authentication required")
	}
	return errors.Wrap(types.ErrForbidden, "not allowed to add this follower")
}

// mayRemoveFollower additionally lets a local follower withdraw itself.
func mayRemoveFollower(requester middleware.Requester, author, follower types.Author) error {
	if requester.IsLocal() && requester.Account.AuthorID == follower.ID {
		return nil
	}
	return mayAddFollower(requester, author, follower)
}

// PutFollower records that follower follows the local author. Any pending
// request between the two is consumed. created is false when the follow existed.
func (s *Service) PutFollower(ctx context.Context, requester middleware.Requester, authorID, followerID string, envelope *types.AuthorEnvelope) (follower types.AuthorEnvelope, created bool, err error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.PutFollower")
	defer span.End()

	author, err := s.localAuthor(ctx, authorID)
	if err != nil {
		return types.AuthorEnvelope{}, false, err
	}

	followerFQID := fqid.Decode(followerID)
	if err := fqid.Validate(followerFQID); err != nil {
		return types.AuthorEnvelope{}, false, types.NewValidationError("follower", "fqid")
	}

	stored, err := s.store.GetAuthorByFQID(ctx, followerFQID)
	if errors.Is(err, types.ErrNotFound) && s.bridge.Minter().IsLocal(followerFQID) {
		return types.AuthorEnvelope{}, false, err
	}
	if errors.Is(err, types.ErrNotFound) {
		draft := types.Author{FQID: followerFQID, Host: fqid.HostOf(followerFQID)}
		if envelope != nil && envelope.ID == followerFQID {
			draft = s.bridge.DecodeAuthor(*envelope)
		}
		stored = draft
	} else if err != nil {
		return types.AuthorEnvelope{}, false, err
	}

	if err := mayAddFollower(requester, author, stored); err != nil {
		return types.AuthorEnvelope{}, false, err
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		if stored.ID == "" {
			if stored, err = tx.UpsertAuthor(ctx, stored); err != nil {
				return err
			}
		}
		if _, created, err = tx.CreateFollow(ctx, stored.ID, author.ID); err != nil {
			return err
		}
		request, err := tx.GetFollowRequest(ctx, stored.ID, author.ID)
		if err == nil {
			return tx.DeleteFollowRequest(ctx, request.ID)
		}
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		return types.AuthorEnvelope{}, false, err
	}
	return s.bridge.EncodeAuthor(stored), created, nil
}

// DeleteFollower removes the follow edge follower -> author.
func (s *Service) DeleteFollower(ctx context.Context, requester middleware.Requester, authorID, followerID string) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.DeleteFollower")
	defer span.End()

	author, err := s.localAuthor(ctx, authorID)
	if err != nil {
		return err
	}
	follower, err := s.store.GetAuthorByFQID(ctx, fqid.Decode(followerID))
	if err != nil {
		return err
	}
	if err := mayRemoveFollower(requester, author, follower); err != nil {
		return err
	}

	deleted, err := s.store.DeleteFollow(ctx, follower.ID, author.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !deleted {
		return errors.Wrap(types.ErrNotFound, "follow")
	}
	return nil
}

// ---------------------------------------------------------------------
// node info

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()

	info := s.info
	key, err := s.store.EnsureInstanceKey(ctx)
	if err != nil {
		span.RecordError(err)
		return types.NodeInfo{}, err
	}
	info.Metadata.PublicKey = key.PublicKey
	return info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: s.bridge.Minter().BaseURL() + "/api/nodeinfo/2.0",
			},
		},
	}, nil
}
