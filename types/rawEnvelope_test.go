package types

import (
	"testing"
)

func TestRawEnvelope(t *testing.T) {
	raw, err := LoadAsRawEnvelope([]byte(`{
		"type": " Like ",
		"object": "http://a/api/authors/1/posts/2",
		"author": {"id": "http://b/api/authors/9", "tags": ["x", "y"]}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if got := raw.Type(); got != "like" {
		t.Errorf("Type() = %q", got)
	}
	if got := raw.MustGetString("author.id"); got != "http://b/api/authors/9" {
		t.Errorf("author.id = %q", got)
	}
	if got := raw.MustGetString("author.tags"); got != "x" {
		t.Errorf("author.tags = %q", got)
	}
	if _, ok := raw.GetString("object.id"); ok {
		t.Error("object.id should not resolve through a string")
	}
	if _, ok := raw.GetString("missing"); ok {
		t.Error("missing key resolved")
	}

	var env LikeEnvelope
	if err := raw.Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Object != "http://a/api/authors/1/posts/2" || env.Author == nil {
		t.Errorf("decoded %+v", env)
	}
}

func TestRawEnvelopeRejectsNonObjects(t *testing.T) {
	for _, body := range []string{`[]`, `"post"`, `{`, ``} {
		if _, err := LoadAsRawEnvelope([]byte(body)); err == nil {
			t.Errorf("LoadAsRawEnvelope(%q) succeeded", body)
		}
	}
}

func TestDecodeTypeMismatchIsValidationError(t *testing.T) {
	raw, err := LoadAsRawEnvelope([]byte(`{"type":"like","object":42}`))
	if err != nil {
		t.Fatal(err)
	}
	var env LikeEnvelope
	err = raw.Decode(&env)
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseVisibility(t *testing.T) {
	cases := map[string]Visibility{
		"":         VisibilityPublic,
		"public":   VisibilityPublic,
		"FRIENDS":  VisibilityFriends,
		"Unlisted": VisibilityUnlisted,
		"deleted":  VisibilityDeleted,
	}
	for in, want := range cases {
		got, ok := ParseVisibility(in)
		if !ok || got != want {
			t.Errorf("ParseVisibility(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseVisibility("secret"); ok {
		t.Error("unknown visibility accepted")
	}
}

func TestPolymorphicReferences(t *testing.T) {
	var like Like
	if !like.SetTarget(CommentRef("c1")) {
		t.Fatal("comment target rejected")
	}
	if got := like.Target(); got != CommentRef("c1") || like.PostID != nil {
		t.Errorf("Target() = %+v", got)
	}
	if like.SetTarget(LikeRef("l1")) {
		t.Error("likes cannot target likes")
	}

	var item InboxItem
	if !item.SetObject(FollowRequestRef("f1")) {
		t.Fatal("follow request rejected")
	}
	if got := item.Object(); got != FollowRequestRef("f1") {
		t.Errorf("Object() = %+v", got)
	}
	item.SetObject(PostRef("p1"))
	if item.FollowRequestID != nil || item.Object() != PostRef("p1") {
		t.Errorf("SetObject did not replace the reference: %+v", item)
	}
}

func TestNewPage(t *testing.T) {
	if p := NewPage(0, 0); p.Number != 1 || p.Size != DefaultPageSize {
		t.Errorf("NewPage(0,0) = %+v", p)
	}
	if p := NewPage(3, 1000); p.Size != MaxPageSize || p.Offset() != 2*MaxPageSize {
		t.Errorf("NewPage(3,1000) = %+v", p)
	}
}
