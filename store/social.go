package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/socialnode/policy"
	"github.com/concrnt/socialnode/types"
)

// ---------------------------------------------------------------------
// follows

// CreateFollow saves user -> following. created is false when the edge already existed.
func (s *Store) CreateFollow(ctx context.Context, userID, followingID string) (follow types.Follow, created bool, err error) {
	ctx, span := tracer.Start(ctx, "StoreCreateFollow")
	defer span.End()

	follow = types.Follow{
		ID:          uuid.NewString(),
		UserID:      userID,
		FollowingID: followingID,
		Published:   time.Now().UTC(),
	}
	result := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&follow)
	if result.Error != nil {
		span.RecordError(result.Error)
		return types.Follow{}, false, translate(result.Error, "create follow")
	}
	created = result.RowsAffected > 0

	follow, err = s.GetFollow(ctx, userID, followingID)
	return follow, created, err
}

// GetFollow returns the edge user -> following.
func (s *Store) GetFollow(ctx context.Context, userID, followingID string) (types.Follow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollow")
	defer span.End()

	var follow types.Follow
	err := s.db.WithContext(ctx).Preload("User").Preload("Following").
		Where("user_id = ? AND following_id = ?", userID, followingID).
		First(&follow).Error
	return follow, translate(err, "follow")
}

// DeleteFollow removes user -> following. deleted is false when there was no edge.
func (s *Store) DeleteFollow(ctx context.Context, userID, followingID string) (deleted bool, err error) {
	ctx, span := tracer.Start(ctx, "StoreDeleteFollow")
	defer span.End()

	result := s.db.WithContext(ctx).Where("user_id = ? AND following_id = ?", userID, followingID).Delete(&types.Follow{})
	if result.Error != nil {
		return false, translate(result.Error, "delete follow")
	}
	return result.RowsAffected > 0, nil
}

// ListFollowers returns the authors following authorID.
func (s *Store) ListFollowers(ctx context.Context, authorID string) ([]types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreListFollowers")
	defer span.End()

	var authors []types.Author
	err := s.db.WithContext(ctx).
		Joins("JOIN follows ON follows.user_id = authors.id").
		Where("follows.following_id = ?", authorID).
		Order("follows.published ASC").
		Find(&authors).Error
	return authors, translate(err, "list followers")
}

// ListFollowing returns the authors authorID follows.
func (s *Store) ListFollowing(ctx context.Context, authorID string) ([]types.Author, error) {
	ctx, span := tracer.Start(ctx, "StoreListFollowing")
	defer span.End()

	var authors []types.Author
	err := s.db.WithContext(ctx).
		Joins("JOIN follows ON follows.following_id = authors.id").
		Where("follows.user_id = ?", authorID).
		Order("follows.published ASC").
		Find(&authors).Error
	return authors, translate(err, "list following")
}

// Relationship loads the follow edges between viewer and author.
func (s *Store) Relationship(ctx context.Context, viewerID, authorID string) (policy.Relationship, error) {
	ctx, span := tracer.Start(ctx, "StoreRelationship")
	defer span.End()

	var rel policy.Relationship
	if viewerID == "" || authorID == "" {
		return rel, nil
	}

	var follows []types.Follow
	err := s.db.WithContext(ctx).
		Where("(user_id = ? AND following_id = ?) OR (user_id = ? AND following_id = ?)", viewerID, authorID, authorID, viewerID).
		Find(&follows).Error
	if err != nil {
		return rel, translate(err, "relationship")
	}
	for _, f := range follows {
		if f.UserID == viewerID && f.FollowingID == authorID {
			rel.ViewerFollowsAuthor = true
		}
		if f.UserID == authorID && f.FollowingID == viewerID {
			rel.AuthorFollowsViewer = true
		}
	}
	return rel, nil
}

// ---------------------------------------------------------------------
// follow requests

func followRequestPreloads(db *gorm.DB) *gorm.DB {
	return db.Preload("Actor").Preload("Object")
}

// UpsertFollowRequest keeps at most one pending request per (actor, object).
func (s *Store) UpsertFollowRequest(ctx context.Context, request types.FollowRequest) (types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreUpsertFollowRequest")
	defer span.End()

	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.Published.IsZero() {
		request.Published = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "actor_id"}, {Name: "object_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary"}),
	}).Create(&request).Error
	if err != nil {
		span.RecordError(err)
		return types.FollowRequest{}, translate(err, "upsert follow request")
	}
	return s.GetFollowRequest(ctx, request.ActorID, request.ObjectID)
}

// GetFollowRequest returns the pending request actor -> object.
func (s *Store) GetFollowRequest(ctx context.Context, actorID, objectID string) (types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowRequest")
	defer span.End()

	var request types.FollowRequest
	err := s.db.WithContext(ctx).Scopes(followRequestPreloads).
		Where("actor_id = ? AND object_id = ?", actorID, objectID).
		First(&request).Error
	return request, translate(err, "follow request")
}

// GetFollowRequestByID returns a pending request.
func (s *Store) GetFollowRequestByID(ctx context.Context, id string) (types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowRequestByID")
	defer span.End()

	var request types.FollowRequest
	err := s.db.WithContext(ctx).Scopes(followRequestPreloads).Where("id = ?", id).First(&request).Error
	return request, translate(err, "follow request "+id)
}

// ListFollowRequestsFor returns requests waiting on objectID.
func (s *Store) ListFollowRequestsFor(ctx context.Context, objectID string) ([]types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreListFollowRequestsFor")
	defer span.End()

	var requests []types.FollowRequest
	err := s.db.WithContext(ctx).Scopes(followRequestPreloads).
		Where("object_id = ?", objectID).
		Order("published ASC").
		Find(&requests).Error
	return requests, translate(err, "list follow requests")
}

// ListPendingRemoteFollowRequests returns requests from local authors to remote ones.
func (s *Store) ListPendingRemoteFollowRequests(ctx context.Context) ([]types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreListPendingRemoteFollowRequests")
	defer span.End()

	var requests []types.FollowRequest
	err := s.db.WithContext(ctx).Scopes(followRequestPreloads).
		Joins("JOIN authors actor_author ON actor_author.id = follow_requests.actor_id").
		Joins("JOIN authors object_author ON object_author.id = follow_requests.object_id").
		Where("actor_author.is_local = ? AND object_author.is_local = ?", true, false).
		Order("follow_requests.published ASC").
		Find(&requests).Error
	return requests, translate(err, "list pending follow requests")
}

// DeleteFollowRequest removes a request and soft-deletes the inbox items that
// announced it.
func (s *Store) DeleteFollowRequest(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteFollowRequest")
	defer span.End()

	return s.Tx(ctx, func(tx *Store) error {
		if err := tx.SoftDeleteInboxItemsFor(ctx, types.FollowRequestRef(id)); err != nil {
			return err
		}
		result := tx.db.WithContext(ctx).Where("id = ?", id).Delete(&types.FollowRequest{})
		if result.Error != nil {
			return translate(result.Error, "delete follow request")
		}
		if result.RowsAffected == 0 {
			return errors.Wrap(types.ErrNotFound, "follow request "+id)
		}
		return nil
	})
}

// AcceptFollowRequest turns a pending request into a Follow.
func (s *Store) AcceptFollowRequest(ctx context.Context, id string) (types.Follow, error) {
	ctx, span := tracer.Start(ctx, "StoreAcceptFollowRequest")
	defer span.End()

	var follow types.Follow
	err := s.Tx(ctx, func(tx *Store) error {
		request, err := tx.GetFollowRequestByID(ctx, id)
		if err != nil {
			return err
		}
		follow, _, err = tx.CreateFollow(ctx, request.ActorID, request.ObjectID)
		if err != nil {
			return err
		}
		return tx.DeleteFollowRequest(ctx, id)
	})
	if err != nil {
		span.RecordError(err)
		return types.Follow{}, err
	}
	return follow, nil
}
