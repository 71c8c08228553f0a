// Package server exposes the gateway over HTTP: the /api/v1 REST surface,
// the /ws streaming endpoint, Prometheus metrics and the health probe.
// Every handler resolves the caller's apikey to an account and goes through
// the gateway facade; nothing in here talks to a broker directly.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/apikeys"
	"github.com/realalgo/gateway/internal/gateway"
)

// Server carries the handler dependencies.
type Server struct {
	log  *zap.Logger
	gw   *gateway.Gateway
	keys *apikeys.Store
	cors []string
}

// New creates the HTTP server.
func New(log *zap.Logger, gw *gateway.Gateway, keys *apikeys.Store, corsOrigins []string) *Server {
	registerBindingValidations()
	return &Server{log: log, gw: gw, keys: keys, cors: corsOrigins}
}

// Router assembles the gin engine with logging, recovery and CORS.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log, true))
	router.Use(cors.New(s.corsConfig()))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWS)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/placeorder", s.handlePlaceOrder)
		v1.POST("/placesmartorder", s.handlePlaceSmartOrder)
		v1.POST("/basketorder", s.handleBasketOrder)
		v1.POST("/splitorder", s.handleSplitOrder)
		v1.POST("/modifyorder", s.handleModifyOrder)
		v1.POST("/cancelorder", s.handleCancelOrder)
		v1.POST("/cancelallorder", s.handleCancelAllOrder)
		v1.POST("/orderstatus", s.handleOrderStatus)
		v1.POST("/positionbook", s.handlePositionBook)
		v1.POST("/holdings", s.handleHoldings)
		v1.POST("/funds", s.handleFunds)
		v1.POST("/quotes", s.handleQuotes)
		v1.POST("/depth", s.handleDepth)
		v1.POST("/search", s.handleSearch)
		v1.POST("/ping", s.handlePing)
	}

	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.cors) == 0 || (len(s.cors) == 1 && s.cors[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cors
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	return cfg
}
