package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/store/storetest"
	"github.com/concrnt/socialnode/types"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func setup(t *testing.T) (*echo.Echo, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	ctx := context.Background()

	node := types.Node{Host: "http://peer.test/api/", IncomingUsername: "peer", IncomingPasswordHash: hash(t, "peerpass"), IsActive: true}
	if _, err := s.CreateNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	disabled := types.Node{Host: "http://off.test/api/", IncomingUsername: "off", IncomingPasswordHash: hash(t, "offpass")}
	if _, err := s.CreateNode(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	alice := storetest.LocalAuthor(t, s, "Alice")
	if _, err := s.CreateAccount(ctx, types.Account{AuthorID: alice.ID, Username: "alice", PasswordHash: hash(t, "alicepass")}); err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	whoami := func(c echo.Context) error {
		requester, ok := RequesterFrom(c.Request().Context())
		switch {
		case !ok:
			return c.String(http.StatusOK, "anonymous")
		case requester.IsNode():
			return c.String(http.StatusOK, "node:"+requester.Node.Host)
		default:
			return c.String(http.StatusOK, "author:"+requester.Author().DisplayName)
		}
	}
	e.GET("/whoami", whoami, Authenticate(s))
	e.GET("/nodes-only", whoami, Authenticate(s), Restrict(ISNODE))
	e.GET("/local-only", whoami, Authenticate(s), Restrict(ISLOCAL))
	return e, s
}

func TestAuthenticate(t *testing.T) {
	e, _ := setup(t)

	tests := []struct {
		name       string
		path       string
		user, pass string
		status     int
		body       string
	}{
		{"anonymous", "/whoami", "", "", http.StatusOK, "anonymous"},
		{"node", "/whoami", "peer", "peerpass", http.StatusOK, "node:http://peer.test/api/"},
		{"account", "/whoami", "alice", "alicepass", http.StatusOK, "author:Alice"},
		{"wrong password", "/whoami", "peer", "nope", http.StatusUnauthorized, ""},
		{"disabled node", "/whoami", "off", "offpass", http.StatusUnauthorized, ""},
		{"unknown user", "/whoami", "mallory", "x", http.StatusUnauthorized, ""},
		{"node route anonymous", "/nodes-only", "", "", http.StatusUnauthorized, ""},
		{"node route as account", "/nodes-only", "alice", "alicepass", http.StatusUnauthorized, ""},
		{"node route as node", "/nodes-only", "peer", "peerpass", http.StatusOK, "node:http://peer.test/api/"},
		{"local route as node", "/local-only", "peer", "peerpass", http.StatusUnauthorized, ""},
		{"local route as account", "/local-only", "alice", "alicepass", http.StatusOK, "author:Alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrConflict, http.StatusConflict},
		{types.NewValidationError("id", "fqid"), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
