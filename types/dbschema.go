package types

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/concrnt/socialnode/fqid"
)

// Author is a db model of a local or remote author.
type Author struct {
	ID              string    `json:"id" gorm:"primaryKey;type:text"`
	FQID            string    `json:"fqid" gorm:"column:fqid;type:text;uniqueIndex;not null"`
	FQIDEncoded     string    `json:"fqidEncoded" gorm:"column:fqid_encoded;type:text;index"`
	DisplayName     string    `json:"displayName" gorm:"type:text"`
	Host            string    `json:"host" gorm:"type:text;index"`
	ProfileURL      string    `json:"profileURL" gorm:"type:text"`
	ProfileImageURL string    `json:"profileImageURL" gorm:"type:text"`
	Github          string    `json:"github" gorm:"type:text"`
	IsApproved      bool      `json:"isApproved" gorm:"type:bool"`
	IsLocal         bool      `json:"isLocal" gorm:"type:bool;index"`
	CDate           time.Time `json:"cdate" gorm:"autoCreateTime"`
	MDate           time.Time `json:"mdate" gorm:"autoUpdateTime"`
}

func (a *Author) BeforeSave(tx *gorm.DB) error {
	if a.FQID != "" {
		a.FQIDEncoded = fqid.Encode(a.FQID)
	}
	return nil
}

// Account holds the credentials of a local author.
type Account struct {
	ID           string `json:"id" gorm:"primaryKey;type:text"`
	AuthorID     string `json:"authorID" gorm:"type:text;uniqueIndex"`
	Author       Author `json:"author" gorm:"foreignKey:AuthorID"`
	Username     string `json:"username" gorm:"type:text;uniqueIndex"`
	PasswordHash string `json:"-" gorm:"type:text"`
	IsAdmin      bool   `json:"isAdmin" gorm:"type:bool"`
}

// Post is a db model of a post. Deleted posts stay as tombstones.
type Post struct {
	ID          string     `json:"id" gorm:"primaryKey;type:text"`
	FQID        string     `json:"fqid" gorm:"column:fqid;type:text;uniqueIndex;not null"`
	FQIDEncoded string     `json:"fqidEncoded" gorm:"column:fqid_encoded;type:text;index"`
	AuthorID    string     `json:"authorID" gorm:"type:text;index"`
	Author      Author     `json:"author" gorm:"foreignKey:AuthorID"`
	Title       string     `json:"title" gorm:"type:text"`
	Description string     `json:"description" gorm:"type:text"`
	ContentType string     `json:"contentType" gorm:"type:text"`
	Content     string     `json:"content" gorm:"type:text"`
	Visibility  Visibility `json:"visibility" gorm:"type:text;index"`
	PageURL     string     `json:"pageURL" gorm:"type:text"`
	Published   time.Time  `json:"published" gorm:"index"`
	CDate       time.Time  `json:"cdate" gorm:"autoCreateTime"`
	MDate       time.Time  `json:"mdate" gorm:"autoUpdateTime"`
}

func (p *Post) BeforeSave(tx *gorm.DB) error {
	if p.FQID != "" {
		p.FQIDEncoded = fqid.Encode(p.FQID)
	}
	return nil
}

// Comment is a db model of a comment on exactly one post.
type Comment struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text"`
	FQID        string    `json:"fqid" gorm:"column:fqid;type:text;uniqueIndex;not null"`
	FQIDEncoded string    `json:"fqidEncoded" gorm:"column:fqid_encoded;type:text;index"`
	AuthorID    string    `json:"authorID" gorm:"type:text;index"`
	Author      Author    `json:"author" gorm:"foreignKey:AuthorID"`
	PostID      string    `json:"postID" gorm:"type:text;index"`
	Post        Post      `json:"post" gorm:"foreignKey:PostID"`
	Comment     string    `json:"comment" gorm:"type:text"`
	ContentType string    `json:"contentType" gorm:"type:text"`
	Published   time.Time `json:"published" gorm:"index"`
	CDate       time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (c *Comment) BeforeSave(tx *gorm.DB) error {
	if c.FQID != "" {
		c.FQIDEncoded = fqid.Encode(c.FQID)
	}
	return nil
}

// Like is a db model of a like. Exactly one of PostID and CommentID is set,
// selected by TargetKind.
type Like struct {
	ID          string     `json:"id" gorm:"primaryKey;type:text"`
	FQID        string     `json:"fqid" gorm:"column:fqid;type:text;uniqueIndex;not null"`
	FQIDEncoded string     `json:"fqidEncoded" gorm:"column:fqid_encoded;type:text;index"`
	AuthorID    string     `json:"authorID" gorm:"type:text;uniqueIndex:uniq_like_post;uniqueIndex:uniq_like_comment"`
	Author      Author     `json:"author" gorm:"foreignKey:AuthorID"`
	TargetKind  ObjectKind `json:"targetKind" gorm:"type:text"`
	PostID      *string    `json:"postID,omitempty" gorm:"type:text;uniqueIndex:uniq_like_post"`
	Post        *Post      `json:"post,omitempty" gorm:"foreignKey:PostID"`
	CommentID   *string    `json:"commentID,omitempty" gorm:"type:text;uniqueIndex:uniq_like_comment"`
	Comment     *Comment   `json:"comment,omitempty" gorm:"foreignKey:CommentID"`
	Published   time.Time  `json:"published"`
	CDate       time.Time  `json:"cdate" gorm:"autoCreateTime"`
}

func (l *Like) BeforeSave(tx *gorm.DB) error {
	if l.FQID != "" {
		l.FQIDEncoded = fqid.Encode(l.FQID)
	}
	return nil
}

// Target returns the typed reference the like points at.
func (l Like) Target() ObjectRef {
	switch l.TargetKind {
	case KindComment:
		if l.CommentID != nil {
			return CommentRef(*l.CommentID)
		}
	case KindPost:
		if l.PostID != nil {
			return PostRef(*l.PostID)
		}
	}
	return ObjectRef{}
}

// SetTarget points the like at ref. Only posts and comments are accepted.
func (l *Like) SetTarget(ref ObjectRef) bool {
	switch ref.Kind {
	case KindPost:
		l.TargetKind, l.PostID, l.CommentID = KindPost, &ref.ID, nil
	case KindComment:
		l.TargetKind, l.CommentID, l.PostID = KindComment, &ref.ID, nil
	default:
		return false
	}
	return true
}

// FollowRequest is a pending actor -> object edge.
type FollowRequest struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	ActorID   string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_follow_request"`
	Actor     Author    `json:"actor" gorm:"foreignKey:ActorID"`
	ObjectID  string    `json:"objectID" gorm:"type:text;uniqueIndex:uniq_follow_request"`
	Object    Author    `json:"object" gorm:"foreignKey:ObjectID"`
	Summary   string    `json:"summary" gorm:"type:text"`
	Published time.Time `json:"published"`
}

// Follow is an accepted user -> following edge.
type Follow struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text"`
	UserID      string    `json:"userID" gorm:"type:text;uniqueIndex:uniq_follow"`
	User        Author    `json:"user" gorm:"foreignKey:UserID"`
	FollowingID string    `json:"followingID" gorm:"type:text;uniqueIndex:uniq_follow;index"`
	Following   Author    `json:"following" gorm:"foreignKey:FollowingID"`
	Published   time.Time `json:"published"`
}

// InboxItem is a notification delivered to a recipient. Exactly one of the
// object columns is set, selected by Kind.
type InboxItem struct {
	ID              string          `json:"id" gorm:"primaryKey;type:text"`
	RecipientID     string          `json:"recipientID" gorm:"type:text;index;uniqueIndex:uniq_inbox_post;uniqueIndex:uniq_inbox_comment;uniqueIndex:uniq_inbox_like;uniqueIndex:uniq_inbox_follow_request"`
	Recipient       Author          `json:"-" gorm:"foreignKey:RecipientID"`
	SenderID        string          `json:"senderID" gorm:"type:text"`
	Sender          Author          `json:"sender" gorm:"foreignKey:SenderID"`
	Kind            ObjectKind      `json:"kind" gorm:"type:text"`
	PostID          *string         `json:"postID,omitempty" gorm:"type:text;uniqueIndex:uniq_inbox_post"`
	CommentID       *string         `json:"commentID,omitempty" gorm:"type:text;uniqueIndex:uniq_inbox_comment"`
	LikeID          *string         `json:"likeID,omitempty" gorm:"type:text;uniqueIndex:uniq_inbox_like"`
	FollowRequestID *string         `json:"followRequestID,omitempty" gorm:"type:text;uniqueIndex:uniq_inbox_follow_request"`
	Visibility      InboxVisibility `json:"visibility" gorm:"type:text;index"`
	Published       time.Time       `json:"published" gorm:"index"`
}

// Object returns the typed reference of the notification.
func (i InboxItem) Object() ObjectRef {
	var id *string
	switch i.Kind {
	case KindPost:
		id = i.PostID
	case KindComment:
		id = i.CommentID
	case KindLike:
		id = i.LikeID
	case KindFollowRequest:
		id = i.FollowRequestID
	}
	if id == nil {
		return ObjectRef{}
	}
	return ObjectRef{Kind: i.Kind, ID: *id}
}

// SetObject points the item at ref.
func (i *InboxItem) SetObject(ref ObjectRef) bool {
	i.PostID, i.CommentID, i.LikeID, i.FollowRequestID = nil, nil, nil, nil
	id := ref.ID
	switch ref.Kind {
	case KindPost:
		i.PostID = &id
	case KindComment:
		i.CommentID = &id
	case KindLike:
		i.LikeID = &id
	case KindFollowRequest:
		i.FollowRequestID = &id
	default:
		return false
	}
	i.Kind = ref.Kind
	return true
}

// Node is a registered peer.
type Node struct {
	ID                   string                               `json:"id" gorm:"primaryKey;type:text"`
	Host                 string                               `json:"host" gorm:"type:text;uniqueIndex"`
	Username             string                               `json:"username" gorm:"type:text"`
	Password             string                               `json:"-" gorm:"type:text"`
	IncomingUsername     string                               `json:"incomingUsername" gorm:"type:text;index"`
	IncomingPasswordHash string                               `json:"-" gorm:"type:text"`
	IsActive             bool                                 `json:"isActive" gorm:"type:bool"`
	Capabilities         datatypes.JSONType[NodeCapabilities] `json:"capabilities"`
	CDate                time.Time                            `json:"cdate" gorm:"autoCreateTime"`
}

// InstanceKey is the node's signing keypair.
type InstanceKey struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text"`
	PublicKey  string    `json:"publicKey" gorm:"type:text"`
	PrivateKey string    `json:"-" gorm:"type:text"`
	CDate      time.Time `json:"cdate" gorm:"autoCreateTime"`
}
