package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/pincex_spot/internal/trading"
	"github.com/Aidin1998/pincex_spot/internal/wallet"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

type placeOrderRequest struct {
	Pair          string           `json:"pair" binding:"required"`
	Type          models.OrderType `json:"type" binding:"required,oneof=market limit stop_limit"`
	Side          models.OrderSide `json:"side" binding:"required,oneof=buy sell"`
	Price         money.Amount     `json:"price"`
	StopPrice     money.Amount     `json:"stop_price"`
	Amount        money.Amount     `json:"amount" binding:"required"`
	ClientOrderID string           `json:"client_order_id" binding:"omitempty,max=64"`
	ExpiresAt     *time.Time       `json:"expires_at"`
}

type withdrawalRequest struct {
	Currency          string       `json:"currency" binding:"required"`
	Amount            money.Amount `json:"amount" binding:"required"`
	ToAddress         string       `json:"to_address" binding:"required,max=128"`
	Memo              string       `json:"memo" binding:"omitempty,max=128"`
	TwoFactorVerified bool         `json:"two_factor_verified"`
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required,max=256"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, bindError(err))
		return
	}
	res, err := s.trading.PlaceOrder(c.Request.Context(), trading.PlaceOrderRequest{
		UserID:        userID(c),
		Pair:          req.Pair,
		Type:          req.Type,
		Side:          req.Side,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Amount:        req.Amount,
		ClientOrderID: req.ClientOrderID,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleListOrders(c *gin.Context) {
	orders, err := s.trading.ListOpenOrders(c.Request.Context(), userID(c), c.Query("pair"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	o, err := s.trading.GetOrder(c.Request.Context(), userID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	o, err := s.trading.CancelOrder(c.Request.Context(), userID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func pairSymbol(c *gin.Context) string {
	return c.Param("base") + "/" + c.Param("quote")
}

func (s *Server) handleGetOrderBook(c *gin.Context) {
	depth, err := queryInt(c, "depth")
	if err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.trading.OrderBook(c.Request.Context(), pairSymbol(c), depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGetTrades(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.writeError(c, err)
		return
	}
	trades, err := s.trading.Trades(c.Request.Context(), pairSymbol(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"pair": pairSymbol(c), "trades": trades})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	b, err := s.trading.Balance(c.Request.Context(), userID(c), c.Param("currency"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleRequestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, bindError(err))
		return
	}
	w, err := s.wallet.Request(c.Request.Context(), wallet.WithdrawalInput{
		UserID:            userID(c),
		Currency:          req.Currency,
		Amount:            req.Amount,
		ToAddress:         req.ToAddress,
		Memo:              req.Memo,
		TwoFactorVerified: req.TwoFactorVerified,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleGetWithdrawal(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.wallet.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleCancelWithdrawal(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.wallet.Cancel(c.Request.Context(), userID(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleApproveWithdrawal(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.wallet.Approve(c.Request.Context(), id, userID(c).String())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleRejectWithdrawal(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, bindError(err))
		return
	}
	w, err := s.wallet.Reject(c.Request.Context(), id, userID(c).String(), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleProcessWithdrawal(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.wallet.StartProcessing(c.Request.Context(), id, time.Now().UTC())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleCompleteWithdrawal(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.wallet.Complete(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}
