package bridge

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/types"
)

// EncodeAuthor builds the author envelope.
func (s *Service) EncodeAuthor(author types.Author) types.AuthorEnvelope {
	host := author.Host
	if host == "" {
		host = fqid.HostOf(author.FQID)
	}
	image := author.ProfileImageURL
	if author.IsLocal {
		image = s.minter.MediaURL(image)
	}
	return types.AuthorEnvelope{
		Type:         types.TypeAuthor,
		ID:           author.FQID,
		Host:         host,
		DisplayName:  author.DisplayName,
		Github:       author.Github,
		ProfileImage: image,
		Page:         author.ProfileURL,
	}
}

// EncodeAuthors builds the author directory envelope.
func (s *Service) EncodeAuthors(authors []types.Author) types.AuthorsEnvelope {
	return types.AuthorsEnvelope{
		Type:    types.TypeAuthors,
		Authors: lo.Map(authors, func(a types.Author, _ int) types.AuthorEnvelope { return s.EncodeAuthor(a) }),
	}
}

// EncodeFollowers builds the followers envelope.
func (s *Service) EncodeFollowers(authors []types.Author) types.FollowersEnvelope {
	return types.FollowersEnvelope{
		Type:      types.TypeFollowers,
		Followers: lo.Map(authors, func(a types.Author, _ int) types.AuthorEnvelope { return s.EncodeAuthor(a) }),
	}
}

// EncodePost builds the post envelope with the first page of its comments and likes.
// It never fails: sub-objects that cannot be loaded are logged and left out.
func (s *Service) EncodePost(ctx context.Context, post types.Post) types.PostEnvelope {
	ctx, span := tracer.Start(ctx, "BridgeEncodePost")
	defer span.End()

	if post.Author.ID == "" && post.AuthorID != "" {
		author, err := s.store.GetAuthorByID(ctx, post.AuthorID)
		if err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("post", post.FQID).Msg("post author unavailable")
		}
		post.Author = author
	}

	author := s.EncodeAuthor(post.Author)
	published := post.Published
	envelope := types.PostEnvelope{
		Type:        types.TypePost,
		ID:          post.FQID,
		Page:        post.PageURL,
		Title:       post.Title,
		Description: post.Description,
		ContentType: post.ContentType,
		Content:     s.encodeContent(ctx, post.ContentType, post.Content),
		Author:      &author,
		Published:   &published,
		Visibility:  string(post.Visibility),
	}

	if post.ID == "" {
		return envelope
	}

	page := types.NewPage(1, embeddedPageSize)
	comments, count, err := s.store.ListCommentsByPost(ctx, post.ID, page)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("post", post.FQID).Msg("dropping comments from post envelope")
	} else {
		collection := s.EncodeComments(ctx, post.FQID+"/comments", post.PageURL, page, count, comments)
		envelope.Comments = &collection
	}

	likes, count, err := s.store.ListLikesByTarget(ctx, types.PostRef(post.ID), page)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("post", post.FQID).Msg("dropping likes from post envelope")
	} else {
		collection := s.EncodeLikes(post.FQID+"/likes", post.PageURL, page, count, likes)
		envelope.Likes = &collection
	}

	return envelope
}

// EncodeComment builds the comment envelope with the first page of its likes.
func (s *Service) EncodeComment(ctx context.Context, comment types.Comment) types.CommentEnvelope {
	ctx, span := tracer.Start(ctx, "BridgeEncodeComment")
	defer span.End()

	if comment.Post.FQID == "" && comment.PostID != "" {
		post, err := s.store.GetPostByID(ctx, comment.PostID)
		if err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("comment", comment.FQID).Msg("commented post unavailable")
		}
		comment.Post = post
	}

	author := s.EncodeAuthor(comment.Author)
	published := comment.Published
	envelope := types.CommentEnvelope{
		Type:        types.TypeComment,
		ID:          comment.FQID,
		Author:      &author,
		Comment:     s.encodeContent(ctx, comment.ContentType, comment.Comment),
		ContentType: comment.ContentType,
		Published:   &published,
		Post:        comment.Post.FQID,
	}

	if comment.ID == "" {
		return envelope
	}

	page := types.NewPage(1, embeddedPageSize)
	likes, count, err := s.store.ListLikesByTarget(ctx, types.CommentRef(comment.ID), page)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("comment", comment.FQID).Msg("dropping likes from comment envelope")
		return envelope
	}
	collection := s.EncodeLikes(comment.FQID+"/likes", comment.Post.PageURL, page, count, likes)
	envelope.Likes = &collection
	return envelope
}

// EncodeLike builds the like envelope. The target must be preloaded.
func (s *Service) EncodeLike(like types.Like) types.LikeEnvelope {
	var object string
	switch {
	case like.Post != nil:
		object = like.Post.FQID
	case like.Comment != nil:
		object = like.Comment.FQID
	}
	author := s.EncodeAuthor(like.Author)
	published := like.Published
	return types.LikeEnvelope{
		Type:      types.TypeLike,
		ID:        like.FQID,
		Author:    &author,
		Published: &published,
		Object:    object,
	}
}

// EncodeFollow builds the follow request envelope.
func (s *Service) EncodeFollow(actor, object types.Author, summary string) types.FollowEnvelope {
	a := s.EncodeAuthor(actor)
	o := s.EncodeAuthor(object)
	if summary == "" {
		summary = actor.DisplayName + " wants to follow " + object.DisplayName
	}
	return types.FollowEnvelope{
		Type:    types.TypeFollow,
		Summary: summary,
		Actor:   &a,
		Object:  &o,
	}
}

// EncodeComments builds one page of a comments collection.
func (s *Service) EncodeComments(ctx context.Context, id, pageURL string, page types.Page, count int64, comments []types.Comment) types.CommentsCollection {
	return types.CommentsCollection{
		Type:       types.TypeComments,
		Page:       pageURL,
		ID:         id,
		PageNumber: page.Number,
		Size:       page.Size,
		Count:      count,
		Src: lo.Map(comments, func(c types.Comment, _ int) types.CommentEnvelope {
			return s.EncodeComment(ctx, c)
		}),
	}
}

// EncodeLikes builds one page of a likes collection.
func (s *Service) EncodeLikes(id, pageURL string, page types.Page, count int64, likes []types.Like) types.LikesCollection {
	return types.LikesCollection{
		Type:       types.TypeLikes,
		Page:       pageURL,
		ID:         id,
		PageNumber: page.Number,
		Size:       page.Size,
		Count:      count,
		Src:        lo.Map(likes, func(l types.Like, _ int) types.LikeEnvelope { return s.EncodeLike(l) }),
	}
}

// EncodePosts builds one page of a posts collection.
func (s *Service) EncodePosts(ctx context.Context, id, pageURL string, page types.Page, count int64, posts []types.Post) types.PostsCollection {
	return types.PostsCollection{
		Type:       types.TypePosts,
		Page:       pageURL,
		ID:         id,
		PageNumber: page.Number,
		Size:       page.Size,
		Count:      count,
		Src: lo.Map(posts, func(p types.Post, _ int) types.PostEnvelope {
			return s.EncodePost(ctx, p)
		}),
	}
}

// EncodeInboxItem shows an inbox item to its recipient, resolving the object
// it references. An object that no longer loads is left out.
func (s *Service) EncodeInboxItem(ctx context.Context, item types.InboxItem) types.InboxItemView {
	ctx, span := tracer.Start(ctx, "BridgeEncodeInboxItem")
	defer span.End()

	view := types.InboxItemView{
		ID:         item.ID,
		Type:       item.Kind,
		Visibility: item.Visibility,
		Published:  item.Published,
		Sender:     s.EncodeAuthor(item.Sender),
	}

	ref := item.Object()
	var err error
	switch ref.Kind {
	case types.KindPost:
		var post types.Post
		if post, err = s.store.GetPostByID(ctx, ref.ID); err == nil {
			view.Object = s.EncodePost(ctx, post)
		}
	case types.KindComment:
		var comment types.Comment
		if comment, err = s.store.GetCommentByID(ctx, ref.ID); err == nil {
			view.Object = s.EncodeComment(ctx, comment)
		}
	case types.KindLike:
		var like types.Like
		if like, err = s.store.GetLikeByID(ctx, ref.ID); err == nil {
			view.Object = s.EncodeLike(like)
		}
	case types.KindFollowRequest:
		var request types.FollowRequest
		if request, err = s.store.GetFollowRequestByID(ctx, ref.ID); err == nil {
			view.Object = s.EncodeFollow(request.Actor, request.Object, request.Summary)
		}
	}
	if err != nil {
		span.RecordError(err)
		log.Debug().Err(err).Str("item", item.ID).Msg("inbox object unavailable")
	}
	return view
}
