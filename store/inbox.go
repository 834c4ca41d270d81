package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/socialnode/types"
)

func inboxObjectColumn(ref types.ObjectRef) (string, error) {
	switch ref.Kind {
	case types.KindPost:
		return "post_id", nil
	case types.KindComment:
		return "comment_id", nil
	case types.KindLike:
		return "like_id", nil
	case types.KindFollowRequest:
		return "follow_request_id", nil
	}
	return "", errors.Errorf("%q cannot be delivered to an inbox", ref.Kind)
}

// RecordInboxItem notifies recipient of object. A repeated delivery of the same
// object refreshes the existing item and marks it unread.
func (s *Store) RecordInboxItem(ctx context.Context, recipientID, senderID string, object types.ObjectRef) (types.InboxItem, error) {
	ctx, span := tracer.Start(ctx, "StoreRecordInboxItem")
	defer span.End()

	column, err := inboxObjectColumn(object)
	if err != nil {
		return types.InboxItem{}, err
	}
	now := time.Now().UTC()

	var existing types.InboxItem
	err = s.db.WithContext(ctx).
		Where("recipient_id = ? AND "+column+" = ?", recipientID, object.ID).
		First(&existing).Error
	if err == nil {
		err = s.db.WithContext(ctx).Model(&types.InboxItem{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"sender_id":  senderID,
				"published":  now,
				"visibility": types.InboxUnread,
			}).Error
		if err != nil {
			return types.InboxItem{}, translate(err, "refresh inbox item")
		}
		return s.GetInboxItem(ctx, existing.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.InboxItem{}, translate(err, "lookup inbox item")
	}

	item := types.InboxItem{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		SenderID:    senderID,
		Visibility:  types.InboxUnread,
		Published:   now,
	}
	item.SetObject(object)
	err = s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&item).Error
	if err != nil {
		span.RecordError(err)
		return types.InboxItem{}, translate(err, "create inbox item")
	}

	err = s.db.WithContext(ctx).
		Where("recipient_id = ? AND "+column+" = ?", recipientID, object.ID).
		First(&existing).Error
	if err != nil {
		return types.InboxItem{}, translate(err, "reload inbox item")
	}
	return s.GetInboxItem(ctx, existing.ID)
}

// GetInboxItem returns an inbox item with its sender.
func (s *Store) GetInboxItem(ctx context.Context, id string) (types.InboxItem, error) {
	ctx, span := tracer.Start(ctx, "StoreGetInboxItem")
	defer span.End()

	var item types.InboxItem
	err := s.db.WithContext(ctx).Preload("Sender").Where("id = ?", id).First(&item).Error
	return item, translate(err, "inbox item "+id)
}

// ListInbox returns a recipient's items that are not deleted, newest first.
func (s *Store) ListInbox(ctx context.Context, recipientID string, page types.Page) ([]types.InboxItem, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListInbox")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.InboxItem{}).
		Where("recipient_id = ? AND visibility <> ?", recipientID, types.InboxDeleted).
		Count(&count).Error
	if err != nil {
		return nil, 0, translate(err, "count inbox")
	}

	var items []types.InboxItem
	err = s.db.WithContext(ctx).Preload("Sender").
		Where("recipient_id = ? AND visibility <> ?", recipientID, types.InboxDeleted).
		Order("published DESC, id ASC").
		Scopes(paginate(page)).
		Find(&items).Error
	return items, count, translate(err, "list inbox")
}

// CountInboxItems counts a recipient's items regardless of visibility.
func (s *Store) CountInboxItems(ctx context.Context, recipientID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountInboxItems")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.InboxItem{}).Where("recipient_id = ?", recipientID).Count(&count).Error
	return count, translate(err, "count inbox items")
}

// SetInboxVisibility changes one of the recipient's items.
func (s *Store) SetInboxVisibility(ctx context.Context, recipientID, id string, visibility types.InboxVisibility) error {
	ctx, span := tracer.Start(ctx, "StoreSetInboxVisibility")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.InboxItem{}).
		Where("id = ? AND recipient_id = ?", id, recipientID).
		Update("visibility", visibility)
	if result.Error != nil {
		return translate(result.Error, "update inbox item")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(types.ErrNotFound, "inbox item "+id)
	}
	return nil
}

// SoftDeleteInboxItemsFor marks every item that references object as deleted.
func (s *Store) SoftDeleteInboxItemsFor(ctx context.Context, object types.ObjectRef) error {
	ctx, span := tracer.Start(ctx, "StoreSoftDeleteInboxItemsFor")
	defer span.End()

	column, err := inboxObjectColumn(object)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&types.InboxItem{}).
		Where(column+" = ?", object.ID).
		Update("visibility", types.InboxDeleted).Error
	return translate(err, "soft delete inbox items")
}
