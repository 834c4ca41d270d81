package bridge

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/store/storetest"
	"github.com/concrnt/socialnode/types"
)

const peer = "http://peer.test"

func newService(t *testing.T, mediaRoot string) (*Service, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	config := types.NodeConfig{BaseURL: storetest.BaseURL, MediaRoot: mediaRoot}
	return NewService(s, storetest.Minter, config, nil), s
}

func raw(t *testing.T, body string) *types.RawEnvelope {
	t.Helper()
	r, err := types.LoadAsRawEnvelope([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNormalizeContentType(t *testing.T) {
	cases := map[string]string{
		"":                 types.ContentTypePlain,
		"image/png":        types.ContentTypePNG,
		"IMAGE/JPEG":       types.ContentTypeJPEG,
		"image/png;base64": types.ContentTypePNG,
		"text/markdown":    types.ContentTypeMarkdown,
	}
	for in, want := range cases {
		if got := NormalizeContentType(in); got != want {
			t.Errorf("NormalizeContentType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImageTranscodingIsAFixedPoint(t *testing.T) {
	root := t.TempDir()
	pixels := []byte{0x89, 'P', 'N', 'G', 1, 2, 3, 4}
	if err := os.WriteFile(filepath.Join(root, "pic.png"), pixels, 0o644); err != nil {
		t.Fatal(err)
	}
	svc, _ := newService(t, root)
	ctx := context.Background()
	b64 := base64.StdEncoding.EncodeToString(pixels)

	cases := []struct {
		name   string
		stored string
		want   string
	}{
		{"media path", "/media/pic.png", b64},
		{"absolute media url", storetest.BaseURL + "/media/pic.png", b64},
		{"raw base64", b64, b64},
		{"data uri", "data:image/png;base64," + b64, "data:image/png;base64," + b64},
		{"missing file", "/media/nope.png", "/media/nope.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := svc.encodeContent(ctx, types.ContentTypePNG, tc.stored)
			if encoded != tc.want {
				t.Fatalf("encode = %q, want %q", encoded, tc.want)
			}
			decoded := DecodeContent(NormalizeContentType("image/png"), encoded)
			if decoded != encoded {
				t.Fatalf("decode re-wrapped %q into %q", encoded, decoded)
			}
			if again := svc.encodeContent(ctx, types.ContentTypePNG, decoded); again != encoded {
				t.Fatalf("second encode = %q, want %q", again, encoded)
			}
		})
	}
}

func TestDecodeContentStripsBase64LineBreaks(t *testing.T) {
	if got := DecodeContent(types.ContentTypeJPEG, "QUJD\nREVG\n"); got != "QUJDREVG" {
		t.Errorf("got %q", got)
	}
	if got := DecodeContent(types.ContentTypePlain, "a\nb"); got != "a\nb" {
		t.Errorf("text content changed: %q", got)
	}
}

func TestRenderMarkdownSanitizes(t *testing.T) {
	svc, _ := newService(t, "")
	ctx := context.Background()

	out := svc.RenderMarkdown(ctx, "**bold** text\n\n<script>alert(1)</script>\n\n[click](javascript:alert(1)) <img src=x onerror=alert(1)>")
	if !strings.Contains(out, "<strong>bold</strong>") {
		t.Errorf("markdown not rendered: %s", out)
	}
	for _, bad := range []string{"<script", "alert(1)</script>", "javascript:", "onerror"} {
		if strings.Contains(out, bad) {
			t.Errorf("output contains %q: %s", bad, out)
		}
	}
	if !strings.Contains(out, "click") {
		t.Errorf("link text dropped: %s", out)
	}
}

func TestSanitizeUnwrapsUnknownElements(t *testing.T) {
	got := Sanitize(`<div class="x"><span style="color:red">hi</span> <em>there</em></div>`)
	if got != "hi <em>there</em>" {
		t.Errorf("got %q", got)
	}
}

func TestDecodePostReportsFieldErrors(t *testing.T) {
	svc, _ := newService(t, "")

	_, err := svc.DecodePost(raw(t, `{"type":"post","id":"not a url","contentType":"text/html","author":{"type":"author"},"visibility":"SECRET"}`))
	verr, ok := types.AsValidationError(err)
	if !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]string{
		"id":          "fqid",
		"contentType": "contenttype",
		"author.id":   "required",
		"visibility":  "visibility",
	}
	for field, rule := range want {
		if verr.Fields[field] != rule {
			t.Errorf("fields[%q] = %q, want %q (all: %v)", field, verr.Fields[field], rule, verr.Fields)
		}
	}
}

func TestDecodePost(t *testing.T) {
	svc, _ := newService(t, "")

	draft, err := svc.DecodePost(raw(t, `{
		"type": "POST",
		"id": "http://peer.test/api/authors/bob/posts/1",
		"title": "hello",
		"contentType": "image/png",
		"content": "QUJD\nREVG",
		"visibility": "friends",
		"published": "2024-03-01T10:00:00Z",
		"author": {"type": "author", "id": "http://peer.test/api/authors/bob", "displayName": "Bob"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if draft.Post.ContentType != types.ContentTypePNG || draft.Post.Content != "QUJDREVG" {
		t.Errorf("content = %q %q", draft.Post.ContentType, draft.Post.Content)
	}
	if draft.Post.Visibility != types.VisibilityFriends {
		t.Errorf("visibility = %s", draft.Post.Visibility)
	}
	if !draft.Post.Published.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("published = %v", draft.Post.Published)
	}
	if draft.Author.Host != peer+"/api/" || draft.Author.DisplayName != "Bob" {
		t.Errorf("author = %+v", draft.Author)
	}
}

func TestDecodeCommentIsTextOnly(t *testing.T) {
	svc, _ := newService(t, "")

	_, err := svc.DecodeComment(raw(t, `{"type":"comment","id":"http://peer.test/api/authors/bob/posts/1/commented/2",
		"comment":"x","contentType":"image/png","post":"http://local.test/api/authors/a/posts/p",
		"author":{"type":"author","id":"http://peer.test/api/authors/bob"}}`))
	verr, ok := types.AsValidationError(err)
	if !ok || verr.Fields["contentType"] != "commenttype" {
		t.Fatalf("expected commenttype failure, got %v", err)
	}

	draft, err := svc.DecodeComment(raw(t, `{"type":"comment","id":"http://peer.test/api/authors/bob/posts/1/commented/2",
		"comment":"nice","post":"http://local.test/api/authors/a/posts/p",
		"author":{"id":"http://peer.test/api/authors/bob"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if draft.Comment.ContentType != types.ContentTypePlain || draft.PostFQID != "http://local.test/api/authors/a/posts/p" {
		t.Errorf("draft = %+v", draft)
	}
}

func TestDecodeLikeAndFollow(t *testing.T) {
	svc, _ := newService(t, "")

	if _, err := svc.DecodeLike(raw(t, `{"type":"like","id":"http://peer.test/api/authors/bob/liked/1","author":{"id":"http://peer.test/api/authors/bob"}}`)); err == nil {
		t.Error("like without object accepted")
	}

	follow, err := svc.DecodeFollow(raw(t, `{"type":"follow","summary":"hi",
		"actor":{"type":"author","id":"http://peer.test/api/authors/bob"},
		"object":{"type":"author","id":"http://local.test/api/authors/a"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if follow.ObjectFQID != "http://local.test/api/authors/a" || follow.Actor.FQID != peer+"/api/authors/bob" {
		t.Errorf("follow = %+v", follow)
	}
}

func TestEncodePostEmbedsCollections(t *testing.T) {
	svc, s := newService(t, "")
	ctx := context.Background()

	alice := storetest.LocalAuthor(t, s, "Alice")
	bob := storetest.RemoteAuthor(t, s, peer, "bob", "Bob")
	post := storetest.LocalPost(t, s, alice, types.VisibilityPublic, "# Title")
	post, err := s.UpdatePost(ctx, types.Post{
		ID: post.ID, Title: post.Title, ContentType: types.ContentTypeMarkdown,
		Content: "# Title", Visibility: types.VisibilityPublic,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpsertComment(ctx, types.Comment{
		FQID: peer + "/api/authors/bob/posts/" + post.ID + "/commented/1", AuthorID: bob.ID, PostID: post.ID,
		Comment: "nice", ContentType: types.ContentTypePlain, Published: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	like := types.Like{FQID: peer + "/api/authors/bob/liked/1", AuthorID: bob.ID, Published: time.Now().UTC()}
	like.SetTarget(types.PostRef(post.ID))
	if _, err := s.UpsertLike(ctx, like); err != nil {
		t.Fatal(err)
	}

	envelope := svc.EncodePost(ctx, post)
	if envelope.Type != types.TypePost || envelope.ID != post.FQID {
		t.Fatalf("envelope = %+v", envelope)
	}
	if !strings.Contains(envelope.Content, "<h1") {
		t.Errorf("markdown not rendered: %q", envelope.Content)
	}
	if envelope.Author == nil || envelope.Author.ID != alice.FQID || envelope.Author.Host != storetest.Minter.Host() {
		t.Errorf("author = %+v", envelope.Author)
	}
	if envelope.Comments == nil || envelope.Comments.Count != 1 || len(envelope.Comments.Src) != 1 {
		t.Fatalf("comments = %+v", envelope.Comments)
	}
	if envelope.Comments.Src[0].Post != post.FQID || envelope.Comments.Src[0].Author.ID != bob.FQID {
		t.Errorf("comment = %+v", envelope.Comments.Src[0])
	}
	if envelope.Comments.ID != post.FQID+"/comments" || envelope.Comments.PageNumber != 1 {
		t.Errorf("comments collection = %+v", envelope.Comments)
	}
	if envelope.Likes == nil || envelope.Likes.Count != 1 || envelope.Likes.Src[0].Object != post.FQID {
		t.Errorf("likes = %+v", envelope.Likes)
	}
}

func TestEncodeAuthorBuildsMediaURLOnce(t *testing.T) {
	svc, _ := newService(t, "")

	local := svc.EncodeAuthor(types.Author{FQID: storetest.Minter.Author("a"), ProfileImageURL: "media/media/a.png", IsLocal: true})
	if local.ProfileImage != storetest.BaseURL+"/media/a.png" {
		t.Errorf("profile image = %q", local.ProfileImage)
	}
	if local.Host != storetest.Minter.Host() {
		t.Errorf("host = %q", local.Host)
	}

	remote := svc.EncodeAuthor(types.Author{FQID: peer + "/api/authors/b", ProfileImageURL: peer + "/media/b.png"})
	if remote.ProfileImage != peer+"/media/b.png" {
		t.Errorf("remote profile image rewritten: %q", remote.ProfileImage)
	}
}
