package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/socialnode/ap"
	"github.com/concrnt/socialnode/middleware"
	"github.com/concrnt/socialnode/types"
)

var tracer = otel.Tracer("api")

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{
		service,
	}
}

// Register mounts the actions of the logged-in local author under /api/me.
func (h Handler) Register(e *echo.Echo) {
	local := middleware.Restrict(middleware.ISLOCAL)

	g := e.Group("/api/me")
	g.GET("", h.Me, local)
	g.POST("/posts", h.CreatePost, local)
	g.PUT("/posts/:id", h.UpdatePost, local)
	g.DELETE("/posts/:id", h.DeletePost, local)
	g.POST("/comments", h.CreateComment, local)
	g.POST("/likes", h.Like, local)
	g.POST("/follows", h.Follow, local)
	g.DELETE("/follows/:fid", h.Unfollow, local)
	g.GET("/follow-requests", h.ListFollowRequests, local)
	g.POST("/follow-requests/:id/accept", h.AcceptFollowRequest, local)
	g.POST("/follow-requests/:id/deny", h.DenyFollowRequest, local)
	g.GET("/inbox", h.ListInbox, local)
	g.POST("/inbox/:id/read", h.MarkInboxItemRead, local)
	g.DELETE("/inbox/:id", h.DeleteInboxItem, local)
	g.GET("/stream", h.Stream, local)
	g.GET("/search", h.Search, local)
}

// me is set by Restrict(ISLOCAL).
func me(c echo.Context) types.Author {
	requester, _ := middleware.RequesterFrom(c.Request().Context())
	return *requester.Author()
}

func ok(c echo.Context, status int, content any) error {
	return c.JSON(status, echo.Map{"status": "ok", "content": content})
}

func okWithWarnings(c echo.Context, status int, content any, warnings []types.DeliveryWarning) error {
	if warnings == nil {
		warnings = []types.DeliveryWarning{}
	}
	return c.JSON(status, echo.Map{"status": "ok", "content": content, "warnings": warnings})
}

func (h Handler) Me(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "Me")
	defer span.End()

	return ok(c, http.StatusOK, h.service.bridge.EncodeAuthor(me(c)))
}

func (h Handler) CreatePost(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CreatePost")
	defer span.End()

	var request PostRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}

	created, warnings, err := h.service.CreatePost(ctx, me(c), request)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusCreated, created, warnings)
}

func (h Handler) UpdatePost(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "UpdatePost")
	defer span.End()

	var request PostRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}

	updated, warnings, err := h.service.UpdatePost(ctx, me(c), c.Param("id"), request)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusOK, updated, warnings)
}

func (h Handler) DeletePost(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DeletePost")
	defer span.End()

	deleted, warnings, err := h.service.DeletePost(ctx, me(c), c.Param("id"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusOK, deleted, warnings)
}

func (h Handler) CreateComment(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CreateComment")
	defer span.End()

	var request CommentRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}

	created, warnings, err := h.service.CreateComment(ctx, me(c), request)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusCreated, created, warnings)
}

func (h Handler) Like(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Like")
	defer span.End()

	var request LikeRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}

	like, created, warnings, err := h.service.Like(ctx, me(c), request)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	if !created {
		return okWithWarnings(c, http.StatusOK, like, warnings)
	}
	return okWithWarnings(c, http.StatusCreated, like, warnings)
}

func (h Handler) Follow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Follow")
	defer span.End()

	var request FollowRequest
	if err := c.Bind(&request); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}

	pending, warnings, err := h.service.Follow(ctx, me(c), request)
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusAccepted, pending, warnings)
}

func (h Handler) Unfollow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Unfollow")
	defer span.End()

	warnings, err := h.service.Unfollow(ctx, me(c), c.Param("fid"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusOK, nil, warnings)
}

func (h Handler) ListFollowRequests(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListFollowRequests")
	defer span.End()

	requests, err := h.service.ListFollowRequests(ctx, me(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return ok(c, http.StatusOK, requests)
}

func (h Handler) AcceptFollowRequest(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "AcceptFollowRequest")
	defer span.End()

	follow, err := h.service.AcceptFollowRequest(ctx, me(c), c.Param("id"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return ok(c, http.StatusOK, follow)
}

func (h Handler) DenyFollowRequest(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DenyFollowRequest")
	defer span.End()

	if err := h.service.DenyFollowRequest(ctx, me(c), c.Param("id")); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return ok(c, http.StatusOK, nil)
}

func (h Handler) ListInbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListInbox")
	defer span.End()

	page, err := h.service.ListInbox(ctx, me(c), ap.PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return ok(c, http.StatusOK, page)
}

func (h Handler) MarkInboxItemRead(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "MarkInboxItemRead")
	defer span.End()

	if err := h.service.MarkInboxItemRead(ctx, me(c), c.Param("id")); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return ok(c, http.StatusOK, nil)
}

func (h Handler) DeleteInboxItem(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DeleteInboxItem")
	defer span.End()

	if err := h.service.DeleteInboxItem(ctx, me(c), c.Param("id")); err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handler) Stream(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Stream")
	defer span.End()

	stream, err := h.service.Stream(ctx, me(c), ap.PageOf(c))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return ok(c, http.StatusOK, stream)
}

func (h Handler) Search(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Search")
	defer span.End()

	authors, warnings, err := h.service.Search(ctx, c.QueryParam("q"))
	if err != nil {
		span.RecordError(err)
		return middleware.RespondError(c, err)
	}
	return okWithWarnings(c, http.StatusOK, authors, warnings)
}
