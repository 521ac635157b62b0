package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	commonauth "folio/server/common/auth"
	commonlog "folio/server/common/log"
	"folio/server/common/middleware"
	"folio/server/common/transport/httpresp"
	"folio/server/files/domain"
	"folio/server/files/registry"
	"folio/server/files/service"
)

type identityProvider interface {
	SignInAnonymous() (commonauth.Identity, error)
	SignInWithToken(token string) (commonauth.Identity, error)
	ParseSubject(token string) (string, time.Time, error)
}

type uploader interface {
	Upload(ctx context.Context, in service.UploadInput) (domain.FileRecord, error)
}

type fileReader interface {
	List(ctx context.Context, subjectID string) (publicFiles, privateFiles []domain.FileRecord, err error)
	Detail(ctx context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileDetail, error)
	Content(ctx context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileRecord, io.ReadCloser, error)
	DeleteByID(ctx context.Context, subjectID string, vis domain.Visibility, id string) error
	Delete(ctx context.Context, subjectID string, rec domain.FileRecord) error
}

type Handler struct {
	identity       identityProvider
	uploads        uploader
	files          fileReader
	feeds          registry.FeedSource
	opts           registry.Options
	maxUploadBytes int64

	sessionsCtx  context.Context
	stopSessions context.CancelFunc
}

func NewHandler(identity identityProvider, uploads uploader, files fileReader, feeds registry.FeedSource, opts registry.Options, maxUploadBytes int64) *Handler {
	sessionsCtx, stopSessions := context.WithCancel(context.Background())
	return &Handler{
		identity:       identity,
		uploads:        uploads,
		files:          files,
		feeds:          feeds,
		opts:           opts,
		maxUploadBytes: maxUploadBytes,
		sessionsCtx:    sessionsCtx,
		stopSessions:   stopSessions,
	}
}

// CloseSessions disconnects every live WebSocket session. http.Server does
// not track hijacked connections, so the server calls this on shutdown.
func (h *Handler) CloseSessions() {
	h.stopSessions()
}

type uploadResponse struct {
	Status string             `json:"status"`
	File   *domain.FileRecord `json:"file,omitempty"`
}

type tokenSignInRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws/files", h.serveWS)

	api := r.Group("/api/v1")
	{
		api.POST("/auth/anonymous", h.signInAnonymous)
		api.POST("/auth/token", h.signInWithToken)
	}

	files := api.Group("/files")
	files.Use(middleware.AuthRequired(h.identity))
	{
		files.POST("", h.upload)
		files.GET("", h.list)
		files.GET("/:visibility/:id", h.detail)
		files.GET("/:visibility/:id/content", h.content)
		files.DELETE("/:visibility/:id", h.delete)
	}
}

func (h *Handler) signInAnonymous(c *gin.Context) {
	identity, err := h.identity.SignInAnonymous()
	if err != nil {
		commonlog.Errorf("event=auth_sign_in action=anonymous status=failed error=%v", err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
		return
	}
	commonlog.Infof("event=auth_sign_in action=anonymous status=ok subject_id=%s", identity.SubjectID)
	c.JSON(http.StatusOK, tokenResponse(identity))
}

func (h *Handler) signInWithToken(c *gin.Context) {
	var req tokenSignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	identity, err := h.identity.SignInWithToken(req.Token)
	if err != nil {
		commonlog.Warnf("event=auth_sign_in action=token status=failed error=%v", err)
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}
	commonlog.Infof("event=auth_sign_in action=token status=ok subject_id=%s provider=%s", identity.SubjectID, identity.Provider)
	c.JSON(http.StatusOK, tokenResponse(identity))
}

func tokenResponse(identity commonauth.Identity) httpresp.TokenResponse {
	return httpresp.NewTokenResponse(identity.AccessToken, identity.SubjectID, identity.Provider, identity.ExpiresAt)
}

func (h *Handler) upload(c *gin.Context) {
	subjectID, ok := middleware.SubjectFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewStatusResponse(service.StatusSignInRequired))
		return
	}
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	in := service.UploadInput{SubjectID: subjectID}
	fileHeader, err := c.FormFile("file")
	switch {
	case err == nil:
		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
		defer file.Close()
		in.Body = file
		in.OriginalName = fileHeader.Filename
		in.ContentType = fileHeader.Header.Get("Content-Type")
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, httpresp.NewStatusResponse("The file is larger than "+strconv.FormatInt(h.maxUploadBytes>>20, 10)+" MB."))
			return
		}
		if errors.Is(err, multipart.ErrMessageTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, httpresp.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}

	vis, err := domain.ParseVisibility(c.DefaultPostForm("visibility", string(domain.VisibilityPrivate)))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	in.Visibility = vis
	in.Name = c.PostForm("name")
	in.Description = c.PostForm("description")

	rec, err := h.uploads.Upload(c.Request.Context(), in)
	if err != nil {
		c.JSON(uploadStatusCode(err), uploadResponse{Status: service.StatusText(err)})
		return
	}
	c.JSON(http.StatusCreated, uploadResponse{Status: service.StatusText(nil), File: &rec})
}

func uploadStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrNoSubject):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNoFile):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUploadInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) list(c *gin.Context) {
	subjectID, ok := middleware.SubjectFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	filter, err := domain.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	order, err := domain.ParseSortOrder(c.Query("sort"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	publicFiles, privateFiles, err := h.files.List(c.Request.Context(), subjectID)
	if err != nil {
		commonlog.Errorf("event=files_list action=read status=failed subject_id=%s error=%v", subjectID, err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
		return
	}
	c.JSON(http.StatusOK, registry.Build(publicFiles, privateFiles, subjectID, filter, order, h.opts))
}

func (h *Handler) detail(c *gin.Context) {
	subjectID, vis, id, ok := fileParams(c)
	if !ok {
		return
	}
	detail, err := h.files.Detail(c.Request.Context(), subjectID, vis, id)
	if err != nil {
		writeFileError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) content(c *gin.Context) {
	subjectID, vis, id, ok := fileParams(c)
	if !ok {
		return
	}
	rec, body, err := h.files.Content(c.Request.Context(), subjectID, vis, id)
	if err != nil {
		writeFileError(c, err)
		return
	}
	defer body.Close()
	c.DataFromReader(http.StatusOK, rec.SizeBytes, rec.ContentType, body, map[string]string{
		"Content-Disposition": `inline; filename="` + strings.ReplaceAll(rec.Name, `"`, "") + `"`,
	})
}

func (h *Handler) delete(c *gin.Context) {
	subjectID, vis, id, ok := fileParams(c)
	if !ok {
		return
	}
	if err := h.files.DeleteByID(c.Request.Context(), subjectID, vis, id); err != nil {
		writeFileError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func fileParams(c *gin.Context) (subjectID string, vis domain.Visibility, id string, ok bool) {
	subjectID, ok = middleware.SubjectFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return "", "", "", false
	}
	vis, err := domain.ParseVisibility(c.Param("visibility"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return "", "", "", false
	}
	return subjectID, vis, strings.TrimSpace(c.Param("id")), true
}

func writeFileError(c *gin.Context, err error) {
	var stepErr *service.StepError
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrNotFound))
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
	case errors.As(err, &stepErr):
		c.JSON(http.StatusInternalServerError, httpresp.NewStatusResponse(registry.StatusDeleteFailed))
	default:
		commonlog.Errorf("event=files_request action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
	}
}
