// Package fqid builds and inspects fully-qualified identifiers.
//
// An FQID is the URL that names an entity across every node in the federation.
// Local FQIDs are minted once, at creation, from the node's configured base URL.
package fqid

import (
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the first path segment under /api/ for an entity.
type Kind string

const (
	KindAuthors Kind = "authors"
	KindPosts   Kind = "posts"
)

const mediaPrefix = "media/"

var ErrInvalid = errors.New("invalid fqid")

// Minter mints FQIDs and related URLs for one node.
type Minter struct {
	base string
}

// NewMinter returns a Minter for baseURL (e.g. "http://node.example.com").
// A missing scheme defaults to http.
func NewMinter(baseURL string) Minter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return Minter{base: base}
}

func (m Minter) BaseURL() string {
	return m.base
}

// Make returns {base}/api/{kind}/{segments...}.
func (m Minter) Make(kind Kind, segments ...string) string {
	parts := append([]string{m.base, "api", string(kind)}, segments...)
	return strings.Join(parts, "/")
}

func (m Minter) Author(authorID string) string {
	return m.Make(KindAuthors, authorID)
}

func (m Minter) Post(authorID, postID string) string {
	return m.Make(KindAuthors, authorID, "posts", postID)
}

// Comment embeds the serial of the post being commented on.
func (m Minter) Comment(authorID, postSerial, commentID string) string {
	return m.Make(KindAuthors, authorID, "posts", postSerial, "commented", commentID)
}

func (m Minter) Like(authorID, likeID string) string {
	return m.Make(KindAuthors, authorID, "liked", likeID)
}

// Host is the API origin advertised for local authors.
func (m Minter) Host() string {
	return m.base + "/api/"
}

func (m Minter) AuthorPage(authorID string) string {
	return m.base + "/authors/" + authorID
}

func (m Minter) PostPage(authorID, postID string) string {
	return m.base + "/authors/" + authorID + "/posts/" + postID
}

// IsLocal reports whether id was minted by this node.
func (m Minter) IsLocal(id string) bool {
	return m.base != "" && strings.HasPrefix(id, m.base+"/api/")
}

// MediaURL turns a stored media reference into an absolute URL.
// Absolute URLs and data URIs come back untouched, so the call is idempotent.
func (m Minter) MediaURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || IsAbsolute(ref) || strings.HasPrefix(ref, "data:") {
		return ref
	}
	rel := strings.TrimLeft(ref, "/")
	for strings.HasPrefix(rel, mediaPrefix) {
		rel = strings.TrimLeft(strings.TrimPrefix(rel, mediaPrefix), "/")
	}
	return m.base + "/" + mediaPrefix + rel
}

// MediaPath returns the path of ref relative to the media root, or false when
// ref does not point into this node's media.
func (m Minter) MediaPath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if m.base != "" && strings.HasPrefix(ref, m.base+"/") {
		ref = strings.TrimPrefix(ref, m.base)
	}
	rel := strings.TrimLeft(ref, "/")
	if !strings.HasPrefix(rel, mediaPrefix) {
		return "", false
	}
	for strings.HasPrefix(rel, mediaPrefix) {
		rel = strings.TrimLeft(strings.TrimPrefix(rel, mediaPrefix), "/")
	}
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", false
	}
	return strings.TrimPrefix(clean, "/"), true
}

// IsAbsolute reports whether s is an absolute http(s) URL.
func IsAbsolute(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Validate checks that id is an absolute http(s) URL with a host and a path.
func Validate(id string) error {
	u, err := url.Parse(id)
	if err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Wrapf(ErrInvalid, "%q is not an absolute url", id)
	}
	if strings.Trim(u.Path, "/") == "" {
		return errors.Wrapf(ErrInvalid, "%q has no path", id)
	}
	return nil
}

// Serial returns the last path segment of id.
func Serial(id string) string {
	trimmed := strings.TrimRight(id, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// Encode percent-encodes id so it can travel as a single path segment.
func Encode(id string) string {
	return url.PathEscape(id)
}

// Decode reverses Encode. Values that were never encoded pass through.
func Decode(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// HostOf derives the API origin ({scheme}://{host}/api/) of an author fqid.
func HostOf(id string) string {
	u, err := url.Parse(id)
	if err != nil || u.Host == "" {
		return ""
	}
	prefix := u.Scheme + "://" + u.Host
	if i := strings.Index(u.Path, "/api/"); i >= 0 {
		return prefix + u.Path[:i] + "/api/"
	}
	return prefix + "/api/"
}

// SameHost compares two API origins ignoring scheme case and trailing slashes.
func SameHost(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimRight(strings.TrimSpace(s), "/"))
	}
	return a != "" && norm(a) == norm(b)
}
