package types

import (
	"strings"
	"time"
)

// Visibility is the audience tier of a post.
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityFriends  Visibility = "FRIENDS"
	VisibilityUnlisted Visibility = "UNLISTED"
	VisibilityDeleted  Visibility = "DELETED"
)

// ParseVisibility is case-insensitive. Empty input is PUBLIC.
func ParseVisibility(s string) (Visibility, bool) {
	v := Visibility(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case "":
		return VisibilityPublic, true
	case VisibilityPublic, VisibilityFriends, VisibilityUnlisted, VisibilityDeleted:
		return v, true
	}
	return "", false
}

// InboxVisibility is the per-recipient state of an inbox item.
type InboxVisibility string

const (
	InboxUnread  InboxVisibility = "UNREAD"
	InboxRead    InboxVisibility = "READ"
	InboxDeleted InboxVisibility = "DELETED"
)

// ObjectKind tags the variants of Like targets and inbox items.
type ObjectKind string

const (
	KindPost          ObjectKind = "post"
	KindComment       ObjectKind = "comment"
	KindLike          ObjectKind = "like"
	KindFollowRequest ObjectKind = "follow"
)

// ObjectRef is a typed reference to a local row.
type ObjectRef struct {
	Kind ObjectKind
	ID   string
}

func PostRef(id string) ObjectRef          { return ObjectRef{KindPost, id} }
func CommentRef(id string) ObjectRef       { return ObjectRef{KindComment, id} }
func LikeRef(id string) ObjectRef          { return ObjectRef{KindLike, id} }
func FollowRequestRef(id string) ObjectRef { return ObjectRef{KindFollowRequest, id} }

func (r ObjectRef) IsZero() bool {
	return r.Kind == "" || r.ID == ""
}

// content types
const (
	ContentTypePlain    = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypePNG      = "image/png;base64"
	ContentTypeJPEG     = "image/jpeg;base64"
	ContentTypeBase64   = "application/base64"
	ContentTypeMP4      = "video/mp4"
	ContentTypeAVI      = "video/avi"
	ContentTypeMOV      = "video/mov"
)

// IsImageContentType reports whether contentType carries base64 image data.
func IsImageContentType(contentType string) bool {
	switch contentType {
	case ContentTypePNG, ContentTypeJPEG, ContentTypeBase64:
		return true
	}
	return false
}

// ---------------------------------------------------------------------

// Envelope types
const (
	TypeAuthor    = "author"
	TypePost      = "post"
	TypeComment   = "comment"
	TypeLike      = "like"
	TypeFollow    = "follow"
	TypeComments  = "comments"
	TypeLikes     = "likes"
	TypePosts     = "posts"
	TypeAuthors   = "authors"
	TypeFollowers = "followers"
)

// AuthorEnvelope is the wire form of an author.
type AuthorEnvelope struct {
	Type         string `json:"type" validate:"omitempty,eq=author"`
	ID           string `json:"id" validate:"required,fqid"`
	Host         string `json:"host,omitempty"`
	DisplayName  string `json:"displayName"`
	Github       string `json:"github,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
	Page         string `json:"page,omitempty"`
}

// PostEnvelope is the wire form of a post.
type PostEnvelope struct {
	Type        string              `json:"type" validate:"required,eq=post"`
	ID          string              `json:"id" validate:"required,fqid"`
	Page        string              `json:"page,omitempty"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	ContentType string              `json:"contentType" validate:"contenttype"`
	Content     string              `json:"content"`
	Author      *AuthorEnvelope     `json:"author" validate:"required"`
	Comments    *CommentsCollection `json:"comments,omitempty" validate:"-"`
	Likes       *LikesCollection    `json:"likes,omitempty" validate:"-"`
	Published   *time.Time          `json:"published,omitempty"`
	Visibility  string              `json:"visibility" validate:"visibility"`
}

// CommentEnvelope is the wire form of a comment.
type CommentEnvelope struct {
	Type        string           `json:"type" validate:"required,eq=comment"`
	ID          string           `json:"id" validate:"required,fqid"`
	Author      *AuthorEnvelope  `json:"author" validate:"required"`
	Comment     string           `json:"comment" validate:"required"`
	ContentType string           `json:"contentType" validate:"commenttype"`
	Published   *time.Time       `json:"published,omitempty"`
	Post        string           `json:"post" validate:"required,fqid"`
	Likes       *LikesCollection `json:"likes,omitempty" validate:"-"`
}

// LikeEnvelope is the wire form of a like.
type LikeEnvelope struct {
	Type      string          `json:"type" validate:"required,eq=like"`
	ID        string          `json:"id" validate:"required,fqid"`
	Author    *AuthorEnvelope `json:"author" validate:"required"`
	Published *time.Time      `json:"published,omitempty"`
	Object    string          `json:"object" validate:"required,fqid"`
}

// FollowEnvelope is the wire form of a follow request.
type FollowEnvelope struct {
	Type    string          `json:"type" validate:"required,eq=follow"`
	Summary string          `json:"summary"`
	Actor   *AuthorEnvelope `json:"actor" validate:"required"`
	Object  *AuthorEnvelope `json:"object" validate:"required"`
}

// Collection is a page of a paginated list.
type Collection[T any] struct {
	Type       string `json:"type"`
	Page       string `json:"page,omitempty"`
	ID         string `json:"id,omitempty"`
	PageNumber int    `json:"page_number"`
	Size       int    `json:"size"`
	Count      int64  `json:"count"`
	Src        []T    `json:"src"`
}

type CommentsCollection = Collection[CommentEnvelope]
type LikesCollection = Collection[LikeEnvelope]
type PostsCollection = Collection[PostEnvelope]

// AuthorsEnvelope lists authors.
type AuthorsEnvelope struct {
	Type    string           `json:"type"`
	Authors []AuthorEnvelope `json:"authors"`
}

// FollowersEnvelope lists followers.
type FollowersEnvelope struct {
	Type      string           `json:"type"`
	Followers []AuthorEnvelope `json:"followers"`
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 50
)

// NewPage clamps number and size to sane bounds.
func NewPage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Page{Number: number, Size: size}
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// ---------------------------------------------------------------------

// InboxItemView is an inbox item as shown to its recipient.
type InboxItemView struct {
	ID         string          `json:"id"`
	Type       ObjectKind      `json:"type"`
	Visibility InboxVisibility `json:"visibility"`
	Published  time.Time       `json:"published"`
	Sender     AuthorEnvelope  `json:"sender"`
	Object     any             `json:"object,omitempty"`
}

// DeliveryWarning reports a push that did not reach a recipient.
type DeliveryWarning struct {
	Node      string `json:"node,omitempty"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// ---------------------------------------------------------------------

// NodeCapabilities describes how to talk to a peer node.
type NodeCapabilities struct {
	// UsesAuth sends Basic Auth on GET requests too. Pushes are always authenticated.
	UsesAuth bool `json:"usesAuth" yaml:"usesAuth"`
	// ListEndpointStyle is "slash" (authors/) or "bare" (authors).
	ListEndpointStyle string  `json:"listEndpointStyle" yaml:"listEndpointStyle"`
	PageSizeParam     string  `json:"pageSizeParam" yaml:"pageSizeParam"`
	PageSize          int     `json:"pageSize" yaml:"pageSize"`
	SearchParam       string  `json:"searchParam" yaml:"searchParam"`
	SignRequests      bool    `json:"signRequests" yaml:"signRequests"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
}

const (
	ListStyleSlash = "slash"
	ListStyleBare  = "bare"
)

// DefaultNodeCapabilities matches peers that speak this node's own dialect.
func DefaultNodeCapabilities() NodeCapabilities {
	return NodeCapabilities{
		UsesAuth:          true,
		ListEndpointStyle: ListStyleSlash,
		PageSizeParam:     "size",
		PageSize:          DefaultPageSize,
	}
}

// NodeConfig is the node-level configuration shared by services.
type NodeConfig struct {
	BaseURL            string        `yaml:"baseURL" mapstructure:"baseURL"`
	MediaRoot          string        `yaml:"mediaRoot" mapstructure:"mediaRoot"`
	RequireApproval    bool          `yaml:"requireApproval" mapstructure:"requireApproval"`
	DeliveryTimeout    time.Duration `yaml:"deliveryTimeout" mapstructure:"deliveryTimeout"`
	AsyncDelivery      bool          `yaml:"asyncDelivery" mapstructure:"asyncDelivery"`
	FollowSyncSchedule string        `yaml:"followSyncSchedule" mapstructure:"followSyncSchedule"`
	UserAgent          string        `yaml:"userAgent" mapstructure:"userAgent"`
}

const DefaultDeliveryTimeout = 10 * time.Second

// ---------------------------------------------------------------------

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// NodeInfo is a struct for a NodeInfo response.
type NodeInfo struct {
	Version           string           `json:"version,omitempty" yaml:"version" mapstructure:"version"`
	Software          NodeInfoSoftware `json:"software,omitempty" yaml:"software" mapstructure:"software"`
	Protocols         []string         `json:"protocols,omitempty" yaml:"protocols" mapstructure:"protocols"`
	OpenRegistrations bool             `json:"openRegistrations" yaml:"openRegistrations" mapstructure:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata,omitempty" yaml:"metadata" mapstructure:"metadata"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name,omitempty" yaml:"name" mapstructure:"name"`
	Version string `json:"version,omitempty" yaml:"version" mapstructure:"version"`
}

// NodeInfoMetadata is a struct for the metadata field of a NodeInfo response.
type NodeInfoMetadata struct {
	NodeName        string                     `json:"nodeName,omitempty" yaml:"nodeName" mapstructure:"nodeName"`
	NodeDescription string                     `json:"nodeDescription,omitempty" yaml:"nodeDescription" mapstructure:"nodeDescription"`
	Maintainer      NodeInfoMetadataMaintainer `json:"maintainer,omitempty" yaml:"maintainer" mapstructure:"maintainer"`
	PublicKey       string                     `json:"publicKey,omitempty" yaml:"-" mapstructure:"-"`
}

// NodeInfoMetadataMaintainer is a struct for the maintainer field of a NodeInfo response.
type NodeInfoMetadataMaintainer struct {
	Name  string `json:"name,omitempty" yaml:"name" mapstructure:"name"`
	Email string `json:"email,omitempty" yaml:"email" mapstructure:"email"`
}
