package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewire/execd/internal/execution"
	"github.com/tradewire/execd/internal/execution/model"
	"github.com/tradewire/execd/internal/ws"
)

// submitOrderRequest is the wire shape of POST /api/v1/orders.
type submitOrderRequest struct {
	Symbol     string           `json:"symbol" binding:"required"`
	Side       string           `json:"side" binding:"required"`
	Type       string           `json:"type" binding:"required"`
	Quantity   decimal.Decimal  `json:"quantity" binding:"required"`
	Price      decimal.Decimal  `json:"price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

func (s *Server) submitOrder(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
		return
	}

	order, err := s.service.SubmitOrder(c.Request.Context(), &model.OrderRequest{
		OwnerID:    ownerID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	// Accepted, not created: execution continues asynchronously and the
	// caller tracks progress over /ws or by polling.
	c.JSON(http.StatusAccepted, gin.H{
		"order":        order,
		"status_topic": ws.OrderTopic(ownerID),
	})
}

func (s *Server) getOrder(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	order, err := s.service.GetOrder(c.Request.Context(), ownerID, orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) listOrders(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.problem(c, http.StatusBadRequest, "MALFORMED_REQUEST", "from must be RFC3339")
			return
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.problem(c, http.StatusBadRequest, "MALFORMED_REQUEST", "to must be RFC3339")
			return
		}
		to = t
	}

	orders, err := s.service.ListOrders(c.Request.Context(), ownerID, from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	reason := c.Query("reason")
	if err := s.service.CancelOrder(c.Request.Context(), ownerID, orderID, reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   model.OrderStatusCancelled,
	})
}

func (s *Server) getFills(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	fills, err := s.service.GetFills(c.Request.Context(), ownerID, orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fills": fills,
		"count": len(fills),
	})
}

func (s *Server) getAuditTrail(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	orderID, ok := s.orderID(c)
	if !ok {
		return
	}
	trail, err := s.service.GetAuditTrail(c.Request.Context(), ownerID, orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": trail,
		"count":   len(trail),
	})
}

// serveWS streams the owner's order status topic. The client may request a
// replay with ?since=<seq>.
func (s *Server) serveWS(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	clientID := ownerID.String() + ":" + strconv.FormatInt(time.Now().UnixNano(), 36)
	s.hub.ServeWS(c.Writer, c.Request, clientID, ws.OrderTopic(ownerID))
}

// ownerID resolves the caller's identity. Authentication proper lives at the
// gateway; this service trusts the X-Owner-ID header it receives.
func (s *Server) ownerID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-Owner-ID")
	if raw == "" {
		raw = c.Query("owner_id")
	}
	if raw == "" {
		s.problem(c, http.StatusUnauthorized, "OWNER_REQUIRED", "X-Owner-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.problem(c, http.StatusUnauthorized, "OWNER_INVALID", "owner id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.problem(c, http.StatusBadRequest, "MALFORMED_REQUEST", "order id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *execution.ValidationError
	var fatal *execution.FatalExecutionError
	var exhausted *execution.RetriesExhaustedError
	switch {
	case errors.As(err, &verr):
		s.problem(c, http.StatusUnprocessableEntity, verr.Code, verr.Message)
	case errors.Is(err, model.ErrOrderNotFound):
		s.problem(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, execution.ErrNotCancellable):
		s.problem(c, http.StatusConflict, "NOT_CANCELLABLE", err.Error())
	case errors.As(err, &fatal):
		s.problem(c, http.StatusUnprocessableEntity, fatal.VenueCode, fatal.Reason)
	case errors.As(err, &exhausted):
		s.problem(c, http.StatusBadGateway, "RETRIES_EXHAUSTED", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.problem(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) problem(c *gin.Context, status int, code, detail string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":   code,
			"detail": detail,
		},
		"timestamp": time.Now().UTC(),
	})
}
