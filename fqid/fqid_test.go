package fqid

import (
	"testing"
)

func TestMinterFormats(t *testing.T) {
	m := NewMinter("node.example.com/")

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"author", m.Author("a1"), "http://node.example.com/api/authors/a1"},
		{"post", m.Post("a1", "p1"), "http://node.example.com/api/authors/a1/posts/p1"},
		{"comment", m.Comment("a2", "p1", "c1"), "http://node.example.com/api/authors/a2/posts/p1/commented/c1"},
		{"like", m.Like("a1", "l1"), "http://node.example.com/api/authors/a1/liked/l1"},
		{"host", m.Host(), "http://node.example.com/api/"},
		{"author page", m.AuthorPage("a1"), "http://node.example.com/authors/a1"},
		{"post page", m.PostPage("a1", "p1"), "http://node.example.com/authors/a1/posts/p1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}

func TestSerialAndEncoding(t *testing.T) {
	id := "http://peer.example.org/api/authors/42/"
	if got := Serial(id); got != "42" {
		t.Errorf("Serial = %q", got)
	}

	enc := Encode(id)
	if enc == id {
		t.Fatalf("Encode did not escape %q", id)
	}
	for _, r := range enc {
		if r == '/' {
			t.Fatalf("encoded fqid %q still contains a slash", enc)
		}
	}
	if got := Decode(enc); got != id {
		t.Errorf("Decode(Encode(x)) = %q, want %q", got, id)
	}
	if got := Decode("plain-serial"); got != "plain-serial" {
		t.Errorf("Decode of a serial changed it: %q", got)
	}
}

func TestIsLocal(t *testing.T) {
	m := NewMinter("https://node.example.com")
	if !m.IsLocal(m.Author("x")) {
		t.Error("minted author should be local")
	}
	if m.IsLocal("https://other.example.com/api/authors/x") {
		t.Error("foreign author reported local")
	}
}

func TestValidate(t *testing.T) {
	valid := []string{
		"http://peer/api/authors/1",
		"https://peer.example.org/api/authors/1/posts/2",
	}
	invalid := []string{
		"",
		"authors/1",
		"ftp://peer/api/authors/1",
		"http:///api/authors/1",
		"http://peer",
	}
	for _, v := range valid {
		if err := Validate(v); err != nil {
			t.Errorf("Validate(%q) = %v", v, err)
		}
	}
	for _, v := range invalid {
		if err := Validate(v); err == nil {
			t.Errorf("Validate(%q) succeeded", v)
		}
	}
}

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"http://peer.example.org/api/authors/1":        "http://peer.example.org/api/",
		"https://peer.example.org/node/api/authors/1":  "https://peer.example.org/node/api/",
		"http://peer.example.org/authors/1":            "http://peer.example.org/api/",
		"not a url":                                    "",
	}
	for in, want := range cases {
		if got := HostOf(in); got != want {
			t.Errorf("HostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSameHost(t *testing.T) {
	if !SameHost("http://peer/api/", "http://peer/api") {
		t.Error("trailing slash should not matter")
	}
	if !SameHost("HTTP://Peer/api/", "http://peer/api/") {
		t.Error("case should not matter")
	}
	if SameHost("http://peer/api/", "http://other/api/") {
		t.Error("different hosts matched")
	}
	if SameHost("", "") {
		t.Error("empty hosts matched")
	}
}

func TestMediaURLIsIdempotent(t *testing.T) {
	m := NewMinter("http://node.example.com")

	cases := map[string]string{
		"profile/a.png":                               "http://node.example.com/media/profile/a.png",
		"/media/profile/a.png":                        "http://node.example.com/media/profile/a.png",
		"media/media/profile/a.png":                   "http://node.example.com/media/profile/a.png",
		"http://node.example.com/media/profile/a.png": "http://node.example.com/media/profile/a.png",
		"https://cdn.example.net/x.png":               "https://cdn.example.net/x.png",
		"data:image/png;base64,AAAA":                  "data:image/png;base64,AAAA",
		"":                                            "",
	}
	for in, want := range cases {
		got := m.MediaURL(in)
		if got != want {
			t.Errorf("MediaURL(%q) = %q, want %q", in, got, want)
		}
		if again := m.MediaURL(got); again != got {
			t.Errorf("MediaURL not idempotent: %q -> %q", got, again)
		}
	}
}

func TestMediaPath(t *testing.T) {
	m := NewMinter("http://node.example.com")

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/media/posts/a.png", "posts/a.png", true},
		{"media/posts/a.png", "posts/a.png", true},
		{"http://node.example.com/media/posts/a.png", "posts/a.png", true},
		{"/media/../../etc/passwd", "etc/passwd", true},
		{"iVBORw0KGgo=", "", false},
		{"/media/", "", false},
	}
	for _, tc := range cases {
		got, ok := m.MediaPath(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("MediaPath(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
