// Package middleware resolves who is calling and maps errors onto responses.
package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"

	"github.com/concrnt/socialnode/store"
	"github.com/concrnt/socialnode/types"
)

var tracer = otel.Tracer("middleware")

type ctxKey string

const RequesterCtxKey ctxKey = "socialnode.requester"

// Requester is the authenticated caller: a peer node or a local account.
type Requester struct {
	Node    *types.Node
	Account *types.Account
}

// Author returns the local author behind an account, or nil.
func (r Requester) Author() *types.Author {
	if r.Account == nil {
		return nil
	}
	return &r.Account.Author
}

func (r Requester) IsNode() bool  { return r.Node != nil }
func (r Requester) IsLocal() bool { return r.Account != nil }

// RequesterFrom returns the requester stored by Authenticate.
func RequesterFrom(ctx context.Context) (Requester, bool) {
	requester, ok := ctx.Value(RequesterCtxKey).(Requester)
	return requester, ok
}

// WithRequester stores requester in ctx.
func WithRequester(ctx context.Context, requester Requester) context.Context {
	return context.WithValue(ctx, RequesterCtxKey, requester)
}

// Authenticate resolves Basic Auth credentials to an active node or a local
// account. Requests without credentials pass through anonymously; wrong
// credentials are rejected.
func Authenticate(s *store.Store) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			username, password, ok := c.Request().BasicAuth()
			if !ok {
				return next(c)
			}

			ctx, span := tracer.Start(c.Request().Context(), "Authenticate")
			requester, err := resolve(ctx, s, username, password)
			span.End()
			if err != nil {
				log.Debug().Err(err).Str("username", username).Msg("basic auth rejected")
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="socialnode"`)
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
			}

			c.SetRequest(c.Request().WithContext(WithRequester(c.Request().Context(), requester)))
			return next(c)
		}
	}
}

func resolve(ctx context.Context, s *store.Store, username, password string) (Requester, error) {
	if username == "" {
		return Requester{}, errors.Wrap(types.ErrUnauthorized, "empty username")
	}

	node, err := s.GetNodeByIncomingUsername(ctx, username)
	if err == nil {
		if !node.IsActive {
			return Requester{}, errors.Wrap(types.ErrUnauthorized, "node disabled")
		}
		if bcrypt.CompareHashAndPassword([]byte(node.IncomingPasswordHash), []byte(password)) != nil {
			return Requester{}, errors.Wrap(types.ErrUnauthorized, "bad node password")
		}
		return Requester{Node: &node}, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return Requester{}, err
	}

	account, err := s.GetAccountByUsername(ctx, username)
	if err != nil {
		return Requester{}, errors.Wrap(types.ErrUnauthorized, "unknown user")
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Requester{}, errors.Wrap(types.ErrUnauthorized, "bad password")
	}
	if !account.Author.IsApproved {
		return Requester{}, errors.Wrap(types.ErrForbidden, "author awaiting approval")
	}
	return Requester{Account: &account}, nil
}

// Principal selects which requesters a route accepts.
type Principal int

const (
	ISNODE Principal = iota
	ISLOCAL
)

// Restrict rejects requests from anyone who is not one of principals.
func Restrict(principals ...Principal) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requester, ok := RequesterFrom(c.Request().Context())
			if ok {
				for _, p := range principals {
					if (p == ISNODE && requester.IsNode()) || (p == ISLOCAL && requester.IsLocal()) {
						return next(c)
					}
				}
			}
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="socialnode"`)
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
		}
	}
}

// HashPassword hashes a credential for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}
