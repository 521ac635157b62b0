package api

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	commonlog "folio/server/common/log"
	"folio/server/common/transport/httpresp"
	"folio/server/site/domain"
	"folio/server/site/service"
)

//go:embed templates/index.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type contactSubmitter interface {
	Submit(ctx context.Context, msg domain.ContactMessage) (domain.ContactMessage, error)
}

type Handler struct {
	profile  domain.Profile
	contacts contactSubmitter
}

func NewHandler(profile domain.Profile, contacts contactSubmitter) *Handler {
	return &Handler{profile: profile, contacts: contacts}
}

type contactRequest struct {
	Name    string `json:"name" binding:"required,max=100"`
	Email   string `json:"email" binding:"required,email,max=254"`
	Message string `json:"message" binding:"required,max=5000"`
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.index)
	r.POST("/api/v1/contact", h.contact)
}

func (h *Handler) index(c *gin.Context) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, h.profile); err != nil {
		commonlog.Errorf("event=site_page action=render status=failed error=%v", err)
		c.String(http.StatusInternalServerError, httpresp.ErrInternal)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (h *Handler) contact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	created, err := h.contacts.Submit(c.Request.Context(), domain.ContactMessage{Name: req.Name, Email: req.Email, Message: req.Message})
	if err != nil {
		if errors.Is(err, service.ErrEmptyMessage) {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
		return
	}
	c.JSON(http.StatusCreated, httpresp.NewIDResponse(created.ID))
}
