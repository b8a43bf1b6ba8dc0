package liquidation

import (
	"fmt"

	"github.com/gin-gonic/gin"

	core "github.com/jwalitptl/clinic-liquidation/internal/liquidation"
	"github.com/jwalitptl/clinic-liquidation/internal/middleware"
	"github.com/jwalitptl/clinic-liquidation/internal/model"
	svc "github.com/jwalitptl/clinic-liquidation/internal/service/liquidation"
	"github.com/jwalitptl/clinic-liquidation/pkg/errors"
	"github.com/jwalitptl/clinic-liquidation/pkg/httputil"
)

type Handler struct {
	service svc.LiquidationServicer
}

func NewHandler(service svc.LiquidationServicer) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	liquidations := r.Group("/liquidations")
	{
		liquidations.GET("/reference", h.GetReferenceData)
		liquidations.GET("/view", h.GetView)
		liquidations.POST("/settle", h.SettleGroup)
		liquidations.POST("/settle-all", h.SettleAll)
		liquidations.POST("/reset", h.Reset)
		liquidations.GET("/export", h.Export)
		liquidations.GET("/history", h.ListSettlements)
	}
}

// queryParams carries the view filters. Dates stay strings here and are
// parsed by toQuery, since the binder cannot decode model.Date.
type queryParams struct {
	Site         string `form:"site" json:"site" binding:"required"`
	Practitioner string `form:"practitioner" json:"practitioner" binding:"required"`
	Type         string `form:"type" json:"type"`
	From         string `form:"from" json:"from" binding:"required"`
	To           string `form:"to" json:"to" binding:"required"`
	Patient      string `form:"patient" json:"patient"`
	Service      string `form:"service" json:"service"`
}

func (p queryParams) toQuery() (model.ViewQuery, error) {
	kind, err := model.ParsePractitionerType(p.Type)
	if err != nil {
		return model.ViewQuery{}, errors.BadRequest(err.Error(), err)
	}
	from, err := model.ParseDate(p.From)
	if err != nil {
		return model.ViewQuery{}, errors.BadRequest(fmt.Sprintf("invalid from date: %v", err), err)
	}
	to, err := model.ParseDate(p.To)
	if err != nil {
		return model.ViewQuery{}, errors.BadRequest(fmt.Sprintf("invalid to date: %v", err), err)
	}
	return model.ViewQuery{
		SiteID:           p.Site,
		Practitioner:     p.Practitioner,
		PractitionerType: kind,
		From:             from,
		To:               to,
		Patient:          p.Patient,
		Service:          p.Service,
	}, nil
}

func bindQuery(c *gin.Context) (model.ViewQuery, bool) {
	var params queryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid query parameters", err))
		return model.ViewQuery{}, false
	}
	q, err := params.toQuery()
	if err != nil {
		httputil.RespondWithError(c, err)
		return model.ViewQuery{}, false
	}
	return q, true
}

type queryRequest struct {
	Query queryParams `json:"query"`
}

// settleRequest names the group by its parts. Either part may be empty or
// contain the key separator, so the joined key is never parsed back.
type settleRequest struct {
	Query queryParams    `json:"query"`
	Group *core.GroupKey `json:"group" binding:"required"`
}

func (h *Handler) GetReferenceData(c *gin.Context) {
	kind, err := model.ParsePractitionerType(c.Query("type"))
	if err != nil {
		httputil.RespondWithError(c, errors.BadRequest(err.Error(), err))
		return
	}

	ref, err := h.service.ReferenceData(c.Request.Context(), middleware.CredentialsFrom(c), c.Query("site"), kind)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, ref)
}

func (h *Handler) GetView(c *gin.Context) {
	q, ok := bindQuery(c)
	if !ok {
		return
	}
	reload := c.Query("reload") == "true" || c.Query("reload") == "1"

	view, err := h.service.View(c.Request.Context(), middleware.CredentialsFrom(c), middleware.SessionID(c), q, reload)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

func (h *Handler) SettleGroup(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid request body", err))
		return
	}
	q, err := req.Query.toQuery()
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	res, err := h.service.SettleGroup(c.Request.Context(), middleware.CredentialsFrom(c), middleware.SessionID(c), q, *req.Group)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, res)
}

func (h *Handler) bindBodyQuery(c *gin.Context) (model.ViewQuery, bool) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, errors.BadRequest("invalid request body", err))
		return model.ViewQuery{}, false
	}
	q, err := req.Query.toQuery()
	if err != nil {
		httputil.RespondWithError(c, err)
		return model.ViewQuery{}, false
	}
	return q, true
}

func (h *Handler) SettleAll(c *gin.Context) {
	q, ok := h.bindBodyQuery(c)
	if !ok {
		return
	}

	res, err := h.service.SettleAll(c.Request.Context(), middleware.CredentialsFrom(c), middleware.SessionID(c), q)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, res)
}

func (h *Handler) Reset(c *gin.Context) {
	q, ok := h.bindBodyQuery(c)
	if !ok {
		return
	}

	if err := h.service.Reset(middleware.SessionID(c), q); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"reset": true})
}

func (h *Handler) Export(c *gin.Context) {
	q, ok := bindQuery(c)
	if !ok {
		return
	}

	file, err := h.service.Export(c.Request.Context(), middleware.CredentialsFrom(c), middleware.SessionID(c), q)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithFile(c, file.ContentType, file.Name, file.Body)
}

func (h *Handler) ListSettlements(c *gin.Context) {
	settlements, err := h.service.ListSettlements(c.Request.Context(), middleware.CredentialsFrom(c), c.Query("practitioner"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, settlements)
}
