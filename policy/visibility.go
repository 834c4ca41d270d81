// Package policy decides who may see a post.
//
// Every function here is pure: callers load the follow edges for each request
// and pass them in, so follow and unfollow take effect on the next read.
package policy

import (
	"github.com/pkg/errors"

	"github.com/concrnt/socialnode/types"
)

// Relationship holds the follow edges between a viewer and an author.
type Relationship struct {
	ViewerFollowsAuthor bool
	AuthorFollowsViewer bool
}

// Mode is the context a post is read in.
type Mode int

const (
	// DirectLink is a fetch of one post by its id.
	DirectLink Mode = iota
	// Listing is a feed, stream or per-author list.
	Listing
)

// AreFriends reports a mutual follow.
func AreFriends(rel Relationship) bool {
	return rel.ViewerFollowsAuthor && rel.AuthorFollowsViewer
}

func isAuthor(viewer *types.Author, post types.Post) bool {
	return viewer != nil && viewer.ID != "" && viewer.ID == post.AuthorID
}

// CanView reports whether viewer may see post. A nil viewer is anonymous.
func CanView(viewer *types.Author, post types.Post, rel Relationship, mode Mode) bool {
	if viewer == nil {
		rel = Relationship{}
	}
	switch post.Visibility {
	case types.VisibilityPublic:
		return true
	case types.VisibilityUnlisted:
		if mode == DirectLink {
			return true
		}
		return isAuthor(viewer, post) || rel.ViewerFollowsAuthor
	case types.VisibilityFriends:
		return isAuthor(viewer, post) || AreFriends(rel)
	case types.VisibilityDeleted:
		return isAuthor(viewer, post)
	}
	return false
}

// ListingVisibilities returns the visibilities viewer may list for an author.
func ListingVisibilities(viewer *types.Author, authorID string, rel Relationship) []types.Visibility {
	all := []types.Visibility{
		types.VisibilityPublic,
		types.VisibilityUnlisted,
		types.VisibilityFriends,
		types.VisibilityDeleted,
	}
	candidate := types.Post{AuthorID: authorID}
	allowed := make([]types.Visibility, 0, len(all))
	for _, v := range all {
		candidate.Visibility = v
		if CanView(viewer, candidate, rel, Listing) {
			allowed = append(allowed, v)
		}
	}
	return allowed
}

// Access is CanView for a direct fetch, mapped onto the error taxonomy.
// Tombstones are reported as missing so their existence does not leak.
func Access(viewer *types.Author, authenticated bool, post types.Post, rel Relationship) error {
	if CanView(viewer, post, rel, DirectLink) {
		return nil
	}
	switch post.Visibility {
	case types.VisibilityFriends:
		if !authenticated {
			return errors.Wrap(types.ErrUnauthorized, "friends-only post")
		}
		return errors.Wrap(types.ErrForbidden, "friends-only post")
	default:
		return errors.Wrap(types.ErrNotFound, "post "+post.FQID)
	}
}
