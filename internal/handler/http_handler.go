package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-chat-relay/internal/audit"
	"github.com/weiawesome/wes-chat-relay/internal/messagelog"
	"github.com/weiawesome/wes-chat-relay/internal/router"
	"github.com/weiawesome/wes-chat-relay/internal/upload"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/response"
	"github.com/weiawesome/wes-chat-relay/pkg/storage"
)

// multipartOverhead is the slack allowed on top of the file size for
// multipart headers and boundaries.
const multipartOverhead = 1 << 20

type HTTPHandler struct {
	router  *router.Router
	uploads *upload.Service
}

func NewHTTPHandler(r *router.Router, uploads *upload.Service) *HTTPHandler {
	return &HTTPHandler{
		router:  r,
		uploads: uploads,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/users/active", h.ActiveUsers)
		api.GET("/messages/history", h.History)
	}

	r.POST("/uploadFile", h.UploadFile)
	r.GET("/files/*key", h.DownloadFile)
	r.GET("/health", h.HealthCheck)
}

func (h *HTTPHandler) ActiveUsers(c *gin.Context) {
	response.Success(c, h.router.Roster())
}

func (h *HTTPHandler) History(c *gin.Context) {
	userA := c.Query("user_a")
	userB := c.Query("user_b")
	if userA == "" || userB == "" {
		response.BadRequest(c, "user_a and user_b are required")
		return
	}

	messages, err := h.router.History(c.Request.Context(), userA, userB)
	if err != nil {
		if errors.Is(err, messagelog.ErrMissingParticipant) {
			response.BadRequest(c, err.Error())
			return
		}
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to get chat history")
		response.InternalError(c, "failed to get chat history")
		return
	}

	response.Success(c, messages)
}

// UploadFile stores the multipart field "file" and answers with the path
// clients send as FILE message content.
func (h *HTTPHandler) UploadFile(c *gin.Context) {
	ctx := c.Request.Context()

	if limit := h.uploads.MaxSize(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.PayloadTooLarge(c, "file exceeds the upload limit")
			return
		}
		response.BadRequest(c, "multipart field \"file\" is required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "failed to read uploaded file")
		return
	}
	defer f.Close()

	key, err := h.uploads.Store(ctx, fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, upload.ErrFileTooLarge):
		response.PayloadTooLarge(c, err.Error())
		return
	case errors.Is(err, upload.ErrEmptyFile):
		response.BadRequest(c, err.Error())
		return
	case err != nil:
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to store upload")
		response.InternalError(c, "failed to store file")
		return
	}

	audit.LogWithDetail(ctx, audit.ActionUpload, "", key, "file uploaded")
	c.String(http.StatusOK, h.uploads.PublicPath(key))
}

func (h *HTTPHandler) DownloadFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")

	dl, err := h.uploads.Open(c.Request.Context(), key)
	switch {
	case errors.Is(err, upload.ErrInvalidKey), errors.Is(err, storage.ErrNotFound):
		response.NotFound(c, "file not found")
		return
	case err != nil:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str("key", key).Msg("failed to open file")
		response.InternalError(c, "failed to open file")
		return
	}

	if dl.URL != "" {
		c.Redirect(http.StatusFound, dl.URL)
		return
	}
	defer dl.Body.Close()

	c.Header("Content-Disposition", "inline")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, dl.Body); err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Str("key", key).Msg("file stream interrupted")
	}
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
