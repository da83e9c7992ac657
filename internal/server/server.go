package server

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/trading"
	"github.com/Aidin1998/pincex_spot/internal/wallet"
	"github.com/Aidin1998/pincex_spot/internal/ws"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
)

// UserHeader carries the id of the user authenticated upstream.
const UserHeader = "X-User-ID"

// Config for the HTTP adapter
type Config struct {
	AllowedOrigins []string
}

// Server represents the HTTP server
type Server struct {
	config  Config
	logger  *zap.Logger
	trading *trading.Service
	wallet  *wallet.Service
	hub     *ws.Hub
}

// NewServer creates a new HTTP server
func NewServer(config Config, logger *zap.Logger, tradingSvc *trading.Service, walletSvc *wallet.Service, hub *ws.Hub) *Server {
	useJSONFieldNames()
	return &Server{
		config:  config,
		logger:  logger,
		trading: tradingSvc,
		wallet:  walletSvc,
		hub:     hub,
	}
}

var jsonNames sync.Once

// useJSONFieldNames makes validation errors name fields as clients send them.
func useJSONFieldNames() {
	jsonNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("pincex"))
	router.Use(cors.New(s.corsConfig()))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWebSocket)

	v1 := router.Group("/api/v1")
	{
		markets := v1.Group("/markets/:base/:quote")
		{
			markets.GET("/book", s.handleGetOrderBook)
			markets.GET("/trades", s.handleGetTrades)
		}

		user := v1.Group("", s.userMiddleware())
		{
			user.POST("/orders", s.handlePlaceOrder)
			user.GET("/orders", s.handleListOrders)
			user.GET("/orders/:id", s.handleGetOrder)
			user.DELETE("/orders/:id", s.handleCancelOrder)

			user.GET("/balances/:currency", s.handleGetBalance)

			user.POST("/withdrawals", s.handleRequestWithdrawal)
			user.GET("/withdrawals/:id", s.handleGetWithdrawal)
			user.DELETE("/withdrawals/:id", s.handleCancelWithdrawal)
		}

		// Review operations; the reviewer is the authenticated user.
		admin := v1.Group("/admin/withdrawals/:id", s.userMiddleware())
		{
			admin.POST("/approve", s.handleApproveWithdrawal)
			admin.POST("/reject", s.handleRejectWithdrawal)
			admin.POST("/process", s.handleProcessWithdrawal)
			admin.POST("/complete", s.handleCompleteWithdrawal)
		}
	}

	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", UserHeader)
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	origins := s.config.AllowedOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// writeError renders err as a problem body with the status for its kind.
func (s *Server) writeError(c *gin.Context, err error) {
	p := errors.ToProblem(err)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(p.Status, p)
}

// bindError converts a gin binding failure into an Invalid error with one
// field entry per violated rule.
func bindError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return errors.Invalid.Explain("malformed request body").Wrap(err)
	}
	e := errors.Invalid.Explain("invalid request")
	for _, fe := range ve {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		e = e.WithField(errors.KindInvalid, fe.Field(), msg)
	}
	return e
}

// userMiddleware requires a valid user id header.
func (s *Server) userMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader(UserHeader))
		if err != nil || id == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errors.Problem{
				Status:  http.StatusUnauthorized,
				Kind:    "Unauthorized",
				Message: "missing or invalid " + UserHeader + " header",
			})
			return
		}
		c.Set("userID", id)
		c.Next()
	}
}

func userID(c *gin.Context) uuid.UUID {
	id, _ := c.Get("userID")
	u, _ := id.(uuid.UUID)
	return u
}

func pathID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, errors.Invalid.Explain("invalid id %q", c.Param("id")).
			WithField(errors.KindInvalid, "id", "must be a uuid")
	}
	return id, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Invalid.Explain("invalid %s", name).
			WithField(errors.KindInvalid, name, "must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if err := s.hub.ServeWS(c.Writer, c.Request); err != nil {
		if errors.KindOf(err) == errors.KindUnavailable {
			s.writeError(c, err)
			return
		}
		// The upgrader has already answered the client.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}
