package bridge

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/concrnt/socialnode/fqid"
	"github.com/concrnt/socialnode/types"
)

// PostDraft is an inbound post before it is merged into the store.
type PostDraft struct {
	Author types.Author
	Post   types.Post
}

// CommentDraft is an inbound comment. PostFQID names the commented post.
type CommentDraft struct {
	Author   types.Author
	Comment  types.Comment
	PostFQID string
}

// LikeDraft is an inbound like. ObjectFQID names a post or a comment.
type LikeDraft struct {
	Author     types.Author
	Like       types.Like
	ObjectFQID string
}

// FollowDraft is an inbound follow request.
type FollowDraft struct {
	Actor      types.Author
	ObjectFQID string
	Summary    string
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("fqid", func(fl validator.FieldLevel) bool {
		return fqid.Validate(fl.Field().String()) == nil
	})
	v.RegisterValidation("contenttype", func(fl validator.FieldLevel) bool {
		return isKnownContentType(fl.Field().String())
	})
	v.RegisterValidation("commenttype", func(fl validator.FieldLevel) bool {
		return isCommentContentType(fl.Field().String())
	})
	v.RegisterValidation("visibility", func(fl validator.FieldLevel) bool {
		_, ok := types.ParseVisibility(fl.Field().String())
		return ok
	})
	return v
}

// check runs the struct rules and reports failures by json path.
func (s *Service) check(envelope any) error {
	err := s.validate.Struct(envelope)
	if err == nil {
		return nil
	}
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) {
		return types.NewValidationError("body", err.Error())
	}
	fields := make(map[string]string, len(failures))
	for _, f := range failures {
		path := f.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		fields[path] = f.Tag()
	}
	return &types.ValidationError{Fields: fields}
}

// Validate applies the envelope rules (fqid, contenttype, commenttype,
// visibility tags) to any struct.
func (s *Service) Validate(v any) error {
	return s.check(v)
}

func normalizeAuthor(a *types.AuthorEnvelope) {
	if a != nil {
		a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	}
}

func publishedOrNow(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// DecodeAuthor turns a validated author envelope into a remote author draft.
func (s *Service) DecodeAuthor(envelope types.AuthorEnvelope) types.Author {
	host := envelope.Host
	if host == "" {
		host = fqid.HostOf(envelope.ID)
	}
	return types.Author{
		FQID:            envelope.ID,
		DisplayName:     envelope.DisplayName,
		Host:            host,
		ProfileURL:      envelope.Page,
		ProfileImageURL: envelope.ProfileImage,
		Github:          envelope.Github,
	}
}

// DecodePost validates a post envelope.
func (s *Service) DecodePost(raw *types.RawEnvelope) (PostDraft, error) {
	var envelope types.PostEnvelope
	if err := raw.Decode(&envelope); err != nil {
		return PostDraft{}, err
	}
	envelope.Type = raw.Type()
	envelope.ContentType = NormalizeContentType(envelope.ContentType)
	normalizeAuthor(envelope.Author)
	if err := s.check(envelope); err != nil {
		return PostDraft{}, err
	}

	visibility, _ := types.ParseVisibility(envelope.Visibility)
	return PostDraft{
		Author: s.DecodeAuthor(*envelope.Author),
		Post: types.Post{
			FQID:        envelope.ID,
			Title:       envelope.Title,
			Description: envelope.Description,
			ContentType: envelope.ContentType,
			Content:     DecodeContent(envelope.ContentType, envelope.Content),
			Visibility:  visibility,
			PageURL:     envelope.Page,
			Published:   publishedOrNow(envelope.Published),
		},
	}, nil
}

// DecodeComment validates a comment envelope. Comments are text only.
func (s *Service) DecodeComment(raw *types.RawEnvelope) (CommentDraft, error) {
	var envelope types.CommentEnvelope
	if err := raw.Decode(&envelope); err != nil {
		return CommentDraft{}, err
	}
	envelope.Type = raw.Type()
	envelope.ContentType = NormalizeContentType(envelope.ContentType)
	normalizeAuthor(envelope.Author)
	if err := s.check(envelope); err != nil {
		return CommentDraft{}, err
	}

	return CommentDraft{
		Author: s.DecodeAuthor(*envelope.Author),
		Comment: types.Comment{
			FQID:        envelope.ID,
			Comment:     envelope.Comment,
			ContentType: envelope.ContentType,
			Published:   publishedOrNow(envelope.Published),
		},
		PostFQID: envelope.Post,
	}, nil
}

// DecodeLike validates a like envelope.
func (s *Service) DecodeLike(raw *types.RawEnvelope) (LikeDraft, error) {
	var envelope types.LikeEnvelope
	if err := raw.Decode(&envelope); err != nil {
		return LikeDraft{}, err
	}
	envelope.Type = raw.Type()
	normalizeAuthor(envelope.Author)
	if err := s.check(envelope); err != nil {
		return LikeDraft{}, err
	}

	return LikeDraft{
		Author: s.DecodeAuthor(*envelope.Author),
		Like: types.Like{
			FQID:      envelope.ID,
			Published: publishedOrNow(envelope.Published),
		},
		ObjectFQID: envelope.Object,
	}, nil
}

// DecodeFollow validates a follow envelope.
func (s *Service) DecodeFollow(raw *types.RawEnvelope) (FollowDraft, error) {
	var envelope types.FollowEnvelope
	if err := raw.Decode(&envelope); err != nil {
		return FollowDraft{}, err
	}
	envelope.Type = raw.Type()
	normalizeAuthor(envelope.Actor)
	normalizeAuthor(envelope.Object)
	if err := s.check(envelope); err != nil {
		return FollowDraft{}, err
	}

	return FollowDraft{
		Actor:      s.DecodeAuthor(*envelope.Actor),
		ObjectFQID: envelope.Object.ID,
		Summary:    envelope.Summary,
	}, nil
}
