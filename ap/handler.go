package ap

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/socialnode/middleware"
	"github.com/concrnt/socialnode/types"
)

var tracer = otel.Tracer("ap")

var inboxEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "socialnode_inbox_envelopes_total",
	Help: "Envelopes posted to local inboxes by type and response status.",
}, []string{"type", "status"})

const maxEnvelopeSize = 16 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{service}
}

// Register mounts the federation routes. Requesters are resolved by a global
// middleware so that unmatched methods still answer 405.
func (h Handler) Register(e *echo.Echo) {
	e.GET("/.well-known/nodeinfo", h.NodeInfoWellKnown)

	api := e.Group("/api")
	api.GET("/nodeinfo/2.0", h.NodeInfo)

	api.GET("/authors", h.ListAuthors)
	api.GET("/authors/:id", h.GetAuthor)
	api.PUT("/authors/:id", h.UpdateAuthor, middleware.Restrict(middleware.ISLOCAL))
	api.POST("/authors/:id/inbox", h.Inbox, middleware.Restrict(middleware.ISNODE))
	api.GET("/authors/:id/posts", h.ListAuthorPosts)
	api.GET("/authors/:id/posts/:pid", h.GetPost)
	api.GET("/authors/:id/posts/:pid/comments", h.ListPostComments)
	api.GET("/authors/:id/posts/:pid/likes", h.ListPostLikes)
	api.GET("/authors/:id/posts/:pid/image", h.GetPostImage)
	api.GET("/authors/:id/posts/:pid/commented/:cid", h.GetComment)
	api.GET("/authors/:id/liked", h.ListLiked)
	api.GET("/authors/:id/liked/:lid", h.GetLike)
	api.GET("/authors/:id/commented", h.ListCommented)
	api.GET("/authors/:id/followers", h.ListFollowers)
	api.GET("/authors/:id/followers/:fid", h.GetFollower)
	api.PUT("/authors/:id/followers/:fid", h.PutFollower, middleware.Restrict(middleware.ISNODE, middleware.ISLOCAL))
	api.DELETE("/authors/:id/followers/:fid", h.DeleteFollower, middleware.Restrict(middleware.ISNODE, middleware.ISLOCAL))

	api.GET("/posts/:pid", h.GetPost)
	api.GET("/posts/:pid/comments", h.ListPostComments)
	api.GET("/posts/:pid/likes", h.ListPostLikes)
	api.GET("/posts/:pid/image", h.GetPostImage)
	api.GET("/comments/:cid/likes", h.ListCommentLikes)
	api.GET("/liked/:lid", h.GetLike)
	api.GET("/commented/:cid", h.GetComment)
}

// PageOf reads page and size query parameters.
func PageOf(c echo.Context) types.Page {
	number, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))
	return types.NewPage(number, size)
}

func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Inbox accepts a post, comment, like or follow pushed by a peer node.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerInbox")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEnvelopeSize))
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}

	requester, _ := middleware.RequesterFrom(ctx)
	if !requester.IsNode() {
		return middleware.RespondError(c, types.ErrUnauthorized)
	}
	accepted, err := h.service.Inbox(ctx, *requester.Node, c.Param("id"), body)
	if errors.Is(err, ErrInvalidType) {
		inboxEnvelopes.WithLabelValues("unknown", strconv.Itoa(http.StatusBadRequest)).Inc()
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid type"})
	}
	kind := accepted.Type
	if kind == "" {
		kind = "unknown"
	}
	if err != nil {
		span.RecordError(err)
		inboxEnvelopes.WithLabelValues(kind, strconv.Itoa(middleware.StatusOf(err))).Inc()
		return middleware.RespondError(c, err)
	}

	inboxEnvelopes.WithLabelValues(kind, strconv.Itoa(http.StatusCreated)).Inc()
	return c.JSON(http.StatusCreated, echo.Map{
		"message": typeName(kind) + " added to inbox",
		"id":      accepted.ID,
	})
}

func typeName(kind string) string {
	if kind == "" {
		return kind
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}

func (h Handler) ListAuthors(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListAuthors")
	defer span.End()

	result, err := h.service.ListAuthors(ctx, PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) GetAuthor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetAuthor")
	defer span.End()

	result, err := h.service.GetAuthor(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) UpdateAuthor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "UpdateAuthor")
	defer span.End()

	var request ProfileRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}

	requester, _ := middleware.RequesterFrom(ctx)
	result, err := h.service.UpdateAuthor(ctx, requester, c.Param("id"), request)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) ListAuthorPosts(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListAuthorPosts")
	defer span.End()

	requester, _ := middleware.RequesterFrom(ctx)
	result, err := h.service.ListAuthorPosts(ctx, requester, c.Param("id"), PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetPost serves both /authors/:id/posts/:pid and /posts/:pid.
func (h Handler) GetPost(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetPost")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	result, err := h.service.GetPost(ctx, requester, authenticated, c.Param("id"), c.Param("pid"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) ListPostComments(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListPostComments")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	result, err := h.service.ListPostComments(ctx, requester, authenticated, c.Param("id"), c.Param("pid"), PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) ListPostLikes(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListPostLikes")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	result, err := h.service.ListPostLikes(ctx, requester, authenticated, c.Param("id"), c.Param("pid"), PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) ListCommentLikes(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListCommentLikes")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	result, err := h.service.ListCommentLikes(ctx, requester, authenticated, c.Param("cid"), PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetLike serves both /authors/:id/liked/:lid and /liked/:lid.
func (h Handler) GetLike(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetLike")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	result, err := h.service.GetLike(ctx, requester, authenticated, c.Param("id"), c.Param("lid"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) GetComment(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetComment")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	result, err := h.service.GetComment(ctx, requester, authenticated, c.Param("id"), c.Param("pid"), c.Param("cid"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) GetPostImage(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetPostImage")
	defer span.End()

	requester, authenticated := middleware.RequesterFrom(ctx)
	mime, data, err := h.service.GetPostImage(ctx, requester, authenticated, c.Param("id"), c.Param("pid"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.Blob(http.StatusOK, mime, data)
}

func (h Handler) ListLiked(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListLiked")
	defer span.End()

	requester, _ := middleware.RequesterFrom(ctx)
	result, err := h.service.ListLiked(ctx, requester, c.Param("id"), PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) ListCommented(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListCommented")
	defer span.End()

	requester, _ := middleware.RequesterFrom(ctx)
	result, err := h.service.ListCommented(ctx, requester, c.Param("id"), PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) ListFollowers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListFollowers")
	defer span.End()

	result, err := h.service.ListFollowers(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) GetFollower(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetFollower")
	defer span.End()

	result, err := h.service.GetFollower(ctx, c.Param("id"), c.Param("fid"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) PutFollower(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "PutFollower")
	defer span.End()

	var envelope *types.AuthorEnvelope
	if c.Request().ContentLength > 0 {
		envelope = &types.AuthorEnvelope{}
		if err := c.Bind(envelope); err != nil {
			span.RecordError(err)
			return middleware.RespondError(c, err)
		}
	}

	requester, _ := middleware.RequesterFrom(ctx)
	result, created, err := h.service.PutFollower(ctx, requester, c.Param("id"), c.Param("fid"), envelope)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	if created {
		return c.JSON(http.StatusCreated, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) DeleteFollower(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DeleteFollower")
	defer span.End()

	requester, _ := middleware.RequesterFrom(ctx)
	if err := h.service.DeleteFollower(ctx, requester, c.Param("id"), c.Param("fid")); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
