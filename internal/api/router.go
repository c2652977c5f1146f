package api

import (
	"errors"
	"net/http"

	"tabsy-split-service/internal/config"
	"tabsy-split-service/internal/middleware"
	"tabsy-split-service/internal/service"
	orderSvc "tabsy-split-service/internal/service/order"
	sessionSvc "tabsy-split-service/internal/service/session"
	splitSvc "tabsy-split-service/internal/service/split"
	"tabsy-split-service/internal/ws"
	appErr "tabsy-split-service/pkg/errors"
	"tabsy-split-service/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Session, services.Split)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/splitService/v1")
	{
		v1.POST("/sessions", handler.CreateSession)
		v1.POST("/sessions/join", handler.JoinSession)

		guarded := v1.Group("/sessions/:sessionId")
		guarded.Use(middleware.AuthRequired(), sessionScope())
		{
			guarded.GET("/participants", handler.ListParticipants)
			guarded.POST("/leave", handler.LeaveSession)

			guarded.GET("/items", handler.ListItems)
			guarded.POST("/items", handler.AddItems)

			guarded.GET("/split", handler.GetSplit)
			guarded.POST("/split", handler.CreateSplit)
			guarded.PUT("/split/participants/:participantId", handler.UpdateParticipantSplit)

			guarded.GET("/split/lock", handler.GetLockStatus)
			guarded.POST("/split/lock", handler.LockSplit)
			guarded.DELETE("/split/lock", handler.UnlockSplit)
			guarded.POST("/split/lock/recover", handler.RecoverLock)
		}
	}

	staff := r.Group("/staff")
	staff.Use(middleware.StaffAuthRequired())
	{
		staff.POST("/sessions/:sessionId/payments/completed", handler.PaymentCompleted)
		staff.POST("/sessions/:sessionId/payments/failed", handler.PaymentFailed)
		staff.POST("/sessions/:sessionId/close", handler.CloseSession)
		staff.POST("/locks/sweep", handler.SweepLocks)
	}

	r.GET("/ws/session/:sessionId", wsHandler.HandleSessionWS)
}

// sessionScope pins a guest token to the session named in the path; a token
// minted for another table must not read or mutate this one.
func sessionScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenSession := c.GetString(middleware.ContextSessionIDKey)
		if tokenSession == "" || tokenSession != c.Param("sessionId") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this session"})
			return
		}
		c.Next()
	}
}

type createSessionBody struct {
	RestaurantID string `json:"restaurantId" binding:"required"`
	TableNumber  string `json:"tableNumber" binding:"required"`
	HostName     string `json:"hostName"`
}

type joinSessionBody struct {
	SessionRef  string `json:"sessionRef" binding:"required"` // session id or join code
	DisplayName string `json:"displayName"`
}

type addItemsBody struct {
	Items []orderSvc.ItemParams `json:"items" binding:"required,min=1,dive"`
}

type createSplitBody struct {
	SplitType       splitSvc.SplitType `json:"splitType"`
	Participants    []string           `json:"participants"`
	Percentages     map[string]float64 `json:"percentages"`
	Amounts         map[string]float64 `json:"amounts"`
	ItemAssignments map[string]string  `json:"itemAssignments"`
	ExpectedVersion int64              `json:"expectedVersion"`
}

type updateSplitBody struct {
	Percentage      *float64          `json:"percentage"`
	Amount          *float64          `json:"amount"`
	ItemAssignments map[string]string `json:"itemAssignments"`
	ExpectedVersion int64             `json:"expectedVersion"`
}

type lockBody struct {
	Reason string `json:"reason"`
}

type paymentCallbackBody struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.services.Session.Create(c.Request.Context(), sessionSvc.CreateParams{
		RestaurantID: body.RestaurantID,
		TableNumber:  body.TableNumber,
		HostName:     body.HostName,
	})
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, result)
}

func (h *Handler) JoinSession(c *gin.Context) {
	var body joinSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.services.Session.Join(c.Request.Context(), body.SessionRef, body.DisplayName)
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) LeaveSession(c *gin.Context) {
	err := h.services.Session.Leave(c.Request.Context(), c.Param("sessionId"), guestID(c))
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) ListParticipants(c *gin.Context) {
	participants, err := h.services.Session.Participants(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"items": participants})
}

func (h *Handler) ListItems(c *gin.Context) {
	includePaid := c.Query("includePaid") == "true"
	items, err := h.services.Order.ListItems(c.Request.Context(), c.Param("sessionId"), includePaid)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"items": items})
}

func (h *Handler) AddItems(c *gin.Context) {
	var body addItemsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	items, err := h.services.Order.AddItems(c.Request.Context(), c.Param("sessionId"), body.Items)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"items": items})
}

func (h *Handler) GetSplit(c *gin.Context) {
	snap, err := h.services.Split.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, snap)
}

func (h *Handler) CreateSplit(c *gin.Context) {
	var body createSplitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.services.Split.Create(c.Request.Context(), splitSvc.CreateParams{
		SessionID:       c.Param("sessionId"),
		SplitType:       body.SplitType,
		Participants:    body.Participants,
		Percentages:     body.Percentages,
		Amounts:         body.Amounts,
		ItemAssignments: body.ItemAssignments,
		RequesterID:     guestID(c),
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, snap)
}

func (h *Handler) UpdateParticipantSplit(c *gin.Context) {
	var body updateSplitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.services.Split.UpdateParticipant(c.Request.Context(), splitSvc.UpdateParams{
		SessionID:       c.Param("sessionId"),
		ParticipantID:   c.Param("participantId"),
		RequesterID:     guestID(c),
		Percentage:      body.Percentage,
		Amount:          body.Amount,
		ItemAssignments: body.ItemAssignments,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, snap)
}

func (h *Handler) GetLockStatus(c *gin.Context) {
	state, err := h.services.Split.GetLockStatus(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, state)
}

func (h *Handler) LockSplit(c *gin.Context) {
	var body lockBody
	// Reason is optional; an empty body is fine.
	_ = c.ShouldBindJSON(&body)

	state, err := h.services.Split.Lock(c.Request.Context(), c.Param("sessionId"), guestID(c), body.Reason)
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, state)
}

func (h *Handler) UnlockSplit(c *gin.Context) {
	state, err := h.services.Split.Unlock(c.Request.Context(), c.Param("sessionId"), guestID(c), false)
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, state)
}

func (h *Handler) RecoverLock(c *gin.Context) {
	rec, err := h.services.Split.RecoverLock(c.Request.Context(), c.Param("sessionId"), guestID(c))
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, rec)
}

func (h *Handler) PaymentCompleted(c *gin.Context) {
	var body paymentCallbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.services.Payment.Complete(c.Request.Context(), c.Param("sessionId"), body.ParticipantID)
	if err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, snap)
}

func (h *Handler) PaymentFailed(c *gin.Context) {
	var body paymentCallbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.services.Payment.Fail(c.Request.Context(), c.Param("sessionId"), body.ParticipantID); err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.services.Session.Close(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.splitError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) SweepLocks(c *gin.Context) {
	cleared, err := h.services.Split.ForceClearStaleLocks(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, gin.H{"cleared": cleared})
}

// splitError maps the service error taxonomy onto HTTP statuses. Validation
// detail rides along so clients can show inline guidance.
func (h *Handler) splitError(c *gin.Context, err error) {
	var vErr *splitSvc.ValidationError
	if errors.As(err, &vErr) {
		response.ErrorWithData(c, http.StatusBadRequest, vErr, "split validation failed")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, appErr.ErrForbidden),
		errors.Is(err, appErr.ErrSplitLocked),
		errors.Is(err, appErr.ErrNotLockHolder),
		errors.Is(err, appErr.ErrNotAParticipant),
		errors.Is(err, appErr.ErrPaymentBlocked):
		status = http.StatusForbidden
	case errors.Is(err, appErr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, appErr.ErrSessionNotFound),
		errors.Is(err, appErr.ErrSplitNotFound),
		errors.Is(err, appErr.ErrParticipantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appErr.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, appErr.ErrRateLimited):
		response.ErrorWithData(c, http.StatusTooManyRequests,
			gin.H{"retryAfterSeconds": retryAfterSeconds()}, err.Error())
		return
	}
	response.Error(c, status, err.Error())
}

func guestID(c *gin.Context) string {
	return c.GetString(middleware.ContextGuestIDKey)
}

func retryAfterSeconds() int {
	if config.GlobalConfig != nil {
		return int(config.GlobalConfig.Split.RetryAfter.Seconds())
	}
	return 5
}
