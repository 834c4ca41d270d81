package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/socialnode/types"
)

var (
	postEditableColumns = []string{"title", "description", "content_type", "content", "visibility"}
	postRemoteColumns   = []string{"title", "description", "content_type", "content", "visibility", "page_url", "published"}
	commentColumns      = []string{"comment", "content_type", "published"}
)

// ---------------------------------------------------------------------
// posts

// CreatePost creates a post. FQID must already be minted.
func (s *Store) CreatePost(ctx context.Context, post types.Post) (types.Post, error) {
	ctx, span := tracer.Start(ctx, "StoreCreatePost")
	defer span.End()

	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&post).Error
	if err != nil {
		span.RecordError(err)
		return types.Post{}, translate(err, "create post")
	}
	return s.GetPostByID(ctx, post.ID)
}

// UpdatePost writes the editable columns of post. The fqid column is never written.
func (s *Store) UpdatePost(ctx context.Context, post types.Post) (types.Post, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdatePost")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.Post{}).
		Where("id = ?", post.ID).
		Select(postEditableColumns).
		Updates(map[string]any{
			"title":        post.Title,
			"description":  post.Description,
			"content_type": post.ContentType,
			"content":      post.Content,
			"visibility":   post.Visibility,
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		return types.Post{}, translate(result.Error, "update post")
	}
	if result.RowsAffected == 0 {
		return types.Post{}, errors.Wrap(types.ErrNotFound, "post "+post.ID)
	}
	return s.GetPostByID(ctx, post.ID)
}

// SetPostVisibility changes only the visibility; DELETED turns the post into a tombstone.
func (s *Store) SetPostVisibility(ctx context.Context, id string, visibility types.Visibility) (types.Post, error) {
	ctx, span := tracer.Start(ctx, "StoreSetPostVisibility")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.Post{}).Where("id = ?", id).Update("visibility", visibility)
	if result.Error != nil {
		return types.Post{}, translate(result.Error, "update post visibility")
	}
	if result.RowsAffected == 0 {
		return types.Post{}, errors.Wrap(types.ErrNotFound, "post "+id)
	}
	return s.GetPostByID(ctx, id)
}

// GetPostByID returns a post with its author.
func (s *Store) GetPostByID(ctx context.Context, id string) (types.Post, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPostByID")
	defer span.End()

	var post types.Post
	err := s.db.WithContext(ctx).Preload("Author").Where("id = ?", id).First(&post).Error
	return post, translate(err, "post "+id)
}

// GetPostByFQID returns a post with its author.
func (s *Store) GetPostByFQID(ctx context.Context, fqid string) (types.Post, error) {
	ctx, span := tracer.Start(ctx, "StoreGetPostByFQID")
	defer span.End()

	var post types.Post
	err := s.db.WithContext(ctx).Preload("Author").Where("fqid = ?", fqid).First(&post).Error
	return post, translate(err, "post "+fqid)
}

// ListPostsByAuthor returns the author's posts with one of the given visibilities, newest first.
func (s *Store) ListPostsByAuthor(ctx context.Context, authorID string, visibilities []types.Visibility, page types.Page) ([]types.Post, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListPostsByAuthor")
	defer span.End()

	if len(visibilities) == 0 {
		return []types.Post{}, 0, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&types.Post{}).
		Where("author_id = ? AND visibility IN ?", authorID, visibilities).
		Count(&count).Error
	if err != nil {
		return nil, 0, translate(err, "count posts")
	}

	var posts []types.Post
	err = s.db.WithContext(ctx).Preload("Author").
		Where("author_id = ? AND visibility IN ?", authorID, visibilities).
		Order("published DESC, id ASC").
		Scopes(paginate(page)).
		Find(&posts).Error
	return posts, count, translate(err, "list posts")
}

// streamFilter selects the posts visible to viewer in a feed: PUBLIC posts,
// UNLISTED posts of followed authors, FRIENDS posts of friends, and the
// viewer's own live posts.
func streamFilter(viewerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		fresh := db.Session(&gorm.Session{NewDB: true})
		following := fresh.Model(&types.Follow{}).Select("following_id").Where("user_id = ?", viewerID)
		followers := fresh.Model(&types.Follow{}).Select("user_id").Where("following_id = ?", viewerID)
		return db.
			Where("visibility = ?", types.VisibilityPublic).
			Or("visibility = ? AND author_id IN (?)", types.VisibilityUnlisted, following).
			Or("visibility = ? AND author_id IN (?) AND author_id IN (?)", types.VisibilityFriends, following, followers).
			Or("author_id = ? AND visibility <> ?", viewerID, types.VisibilityDeleted)
	}
}

// ListStream returns one page of the viewer's feed, newest first, and the
// size of the whole feed.
func (s *Store) ListStream(ctx context.Context, viewerID string, page types.Page) ([]types.Post, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListStream")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.Post{}).Scopes(streamFilter(viewerID)).Count(&count).Error
	if err != nil {
		return nil, 0, translate(err, "count stream")
	}

	var posts []types.Post
	err = s.db.WithContext(ctx).Preload("Author").
		Scopes(streamFilter(viewerID)).
		Order("published DESC, id ASC").
		Scopes(paginate(page)).
		Find(&posts).Error
	return posts, count, translate(err, "list stream")
}

// UpsertPost merges a remote post keyed by fqid. AuthorID must be set.
func (s *Store) UpsertPost(ctx context.Context, post types.Post) (types.Post, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertPost")
	defer span.End()

	if err := s.ensureRemoteAuthor(ctx, post.AuthorID); err != nil {
		return types.Post{}, err
	}

	var existing types.Post
	err := s.db.WithContext(ctx).Where("fqid = ?", post.FQID).First(&existing).Error
	if err == nil {
		if existing.AuthorID != post.AuthorID {
			return types.Post{}, errors.Wrapf(types.ErrConflict, "post %s belongs to another author", post.FQID)
		}
		err = s.db.WithContext(ctx).Model(&types.Post{}).
			Where("id = ?", existing.ID).
			Select(postRemoteColumns).
			Updates(map[string]any{
				"title":        post.Title,
				"description":  post.Description,
				"content_type": post.ContentType,
				"content":      post.Content,
				"visibility":   post.Visibility,
				"page_url":     post.PageURL,
				"published":    post.Published,
			}).Error
		if err != nil {
			span.RecordError(err)
			return types.Post{}, translate(err, "update post")
		}
		return s.GetPostByID(ctx, existing.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Post{}, translate(err, "lookup post")
	}

	post.ID = uuid.NewString()
	err = s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fqid"}},
		DoUpdates: clause.AssignmentColumns(postRemoteColumns),
	}).Create(&post).Error
	if err != nil {
		span.RecordError(err)
		return types.Post{}, translate(err, "insert post")
	}
	return s.GetPostByFQID(ctx, post.FQID)
}

// ensureRemoteAuthor rejects remote payloads that claim a local author.
func (s *Store) ensureRemoteAuthor(ctx context.Context, authorID string) error {
	author, err := s.GetAuthorByID(ctx, authorID)
	if err != nil {
		return err
	}
	if author.IsLocal {
		return errors.Wrapf(types.ErrConflict, "%s is a local author", author.FQID)
	}
	return nil
}

// ---------------------------------------------------------------------
// comments

// CreateComment creates a comment. FQID must already be minted.
func (s *Store) CreateComment(ctx context.Context, comment types.Comment) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateComment")
	defer span.End()

	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&comment).Error
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, translate(err, "create comment")
	}
	return s.GetCommentByID(ctx, comment.ID)
}

// GetCommentByID returns a comment with its author and post.
func (s *Store) GetCommentByID(ctx context.Context, id string) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreGetCommentByID")
	defer span.End()

	var comment types.Comment
	err := s.db.WithContext(ctx).Preload("Author").Preload("Post.Author").Where("id = ?", id).First(&comment).Error
	return comment, translate(err, "comment "+id)
}

// GetCommentByFQID returns a comment with its author and post.
func (s *Store) GetCommentByFQID(ctx context.Context, fqid string) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreGetCommentByFQID")
	defer span.End()

	var comment types.Comment
	err := s.db.WithContext(ctx).Preload("Author").Preload("Post.Author").Where("fqid = ?", fqid).First(&comment).Error
	return comment, translate(err, "comment "+fqid)
}

// ListCommentsByPost returns comments on a post, oldest first.
func (s *Store) ListCommentsByPost(ctx context.Context, postID string, page types.Page) ([]types.Comment, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListCommentsByPost")
	defer span.End()

	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Comment{}).Where("post_id = ?", postID).Count(&count).Error; err != nil {
		return nil, 0, translate(err, "count comments")
	}

	var comments []types.Comment
	err := s.db.WithContext(ctx).Preload("Author").Preload("Post").
		Where("post_id = ?", postID).
		Order("published ASC, id ASC").
		Scopes(paginate(page)).
		Find(&comments).Error
	return comments, count, translate(err, "list comments")
}

// ListCommentsByAuthor returns all of an author's comments, newest first.
// Callers filter by visibility before paging.
func (s *Store) ListCommentsByAuthor(ctx context.Context, authorID string) ([]types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreListCommentsByAuthor")
	defer span.End()

	var comments []types.Comment
	err := s.db.WithContext(ctx).Preload("Author").Preload("Post.Author").
		Where("author_id = ?", authorID).
		Order("published DESC, id ASC").
		Find(&comments).Error
	return comments, translate(err, "list comments")
}

// UpsertComment merges a remote comment keyed by fqid. AuthorID and PostID must be set.
func (s *Store) UpsertComment(ctx context.Context, comment types.Comment) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertComment")
	defer span.End()

	if err := s.ensureRemoteAuthor(ctx, comment.AuthorID); err != nil {
		return types.Comment{}, err
	}

	var existing types.Comment
	err := s.db.WithContext(ctx).Where("fqid = ?", comment.FQID).First(&existing).Error
	if err == nil {
		if existing.AuthorID != comment.AuthorID || existing.PostID != comment.PostID {
			return types.Comment{}, errors.Wrapf(types.ErrConflict, "comment %s belongs to another author or post", comment.FQID)
		}
		err = s.db.WithContext(ctx).Model(&types.Comment{}).
			Where("id = ?", existing.ID).
			Select(commentColumns).
			Updates(map[string]any{
				"comment":      comment.Comment,
				"content_type": comment.ContentType,
				"published":    comment.Published,
			}).Error
		if err != nil {
			span.RecordError(err)
			return types.Comment{}, translate(err, "update comment")
		}
		return s.GetCommentByID(ctx, existing.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Comment{}, translate(err, "lookup comment")
	}

	comment.ID = uuid.NewString()
	err = s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fqid"}},
		DoUpdates: clause.AssignmentColumns(commentColumns),
	}).Create(&comment).Error
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, translate(err, "insert comment")
	}
	return s.GetCommentByFQID(ctx, comment.FQID)
}

// ---------------------------------------------------------------------
// likes

func likePreloads(db *gorm.DB) *gorm.DB {
	return db.Preload("Author").Preload("Post.Author").Preload("Comment.Author").Preload("Comment.Post.Author")
}

// GetLikeByID returns a like with its author and target.
func (s *Store) GetLikeByID(ctx context.Context, id string) (types.Like, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLikeByID")
	defer span.End()

	var like types.Like
	err := s.db.WithContext(ctx).Scopes(likePreloads).Where("id = ?", id).First(&like).Error
	return like, translate(err, "like "+id)
}

// GetLikeByFQID returns a like with its author and target.
func (s *Store) GetLikeByFQID(ctx context.Context, fqid string) (types.Like, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLikeByFQID")
	defer span.End()

	var like types.Like
	err := s.db.WithContext(ctx).Scopes(likePreloads).Where("fqid = ?", fqid).First(&like).Error
	return like, translate(err, "like "+fqid)
}

// GetLikeByAuthorAndTarget returns the like of author on target.
func (s *Store) GetLikeByAuthorAndTarget(ctx context.Context, authorID string, target types.ObjectRef) (types.Like, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLikeByAuthorAndTarget")
	defer span.End()

	column, err := likeTargetColumn(target)
	if err != nil {
		return types.Like{}, err
	}

	var like types.Like
	err = s.db.WithContext(ctx).Scopes(likePreloads).
		Where("author_id = ? AND "+column+" = ?", authorID, target.ID).
		First(&like).Error
	return like, translate(err, "like")
}

// UpsertLike stores like unless the author already likes the target, in which
// case the existing like is returned. AuthorID and the target must be set.
func (s *Store) UpsertLike(ctx context.Context, like types.Like) (types.Like, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertLike")
	defer span.End()

	target := like.Target()
	if target.IsZero() {
		return types.Like{}, types.NewValidationError("object", "like target is not set")
	}

	existing, err := s.GetLikeByAuthorAndTarget(ctx, like.AuthorID, target)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Like{}, err
	}

	byFQID, err := s.GetLikeByFQID(ctx, like.FQID)
	if err == nil {
		if byFQID.AuthorID != like.AuthorID || byFQID.Target() != target {
			return types.Like{}, errors.Wrapf(types.ErrConflict, "like %s points elsewhere", like.FQID)
		}
		return byFQID, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Like{}, err
	}

	if like.ID == "" {
		like.ID = uuid.NewString()
	}
	err = s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error
	if err != nil {
		span.RecordError(err)
		return types.Like{}, translate(err, "insert like")
	}
	return s.GetLikeByAuthorAndTarget(ctx, like.AuthorID, target)
}

// ListLikesByTarget returns likes on a post or comment.
func (s *Store) ListLikesByTarget(ctx context.Context, target types.ObjectRef, page types.Page) ([]types.Like, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListLikesByTarget")
	defer span.End()

	column, err := likeTargetColumn(target)
	if err != nil {
		return nil, 0, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Like{}).Where(column+" = ?", target.ID).Count(&count).Error; err != nil {
		return nil, 0, translate(err, "count likes")
	}

	var likes []types.Like
	err = s.db.WithContext(ctx).Scopes(likePreloads).
		Where(column+" = ?", target.ID).
		Order("published DESC, id ASC").
		Scopes(paginate(page)).
		Find(&likes).Error
	return likes, count, translate(err, "list likes")
}

// ListLikesByAuthor returns all likes an author made, newest first.
// Callers filter by visibility before paging.
func (s *Store) ListLikesByAuthor(ctx context.Context, authorID string) ([]types.Like, error) {
	ctx, span := tracer.Start(ctx, "StoreListLikesByAuthor")
	defer span.End()

	var likes []types.Like
	err := s.db.WithContext(ctx).Scopes(likePreloads).
		Where("author_id = ?", authorID).
		Order("published DESC, id ASC").
		Find(&likes).Error
	return likes, translate(err, "list likes")
}

func likeTargetColumn(target types.ObjectRef) (string, error) {
	switch target.Kind {
	case types.KindPost:
		return "post_id", nil
	case types.KindComment:
		return "comment_id", nil
	}
	return "", errors.Errorf("%q cannot be liked", target.Kind)
}
