package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/realalgo/gateway/internal/broker"
)

// searchLimit caps /search results.
const searchLimit = 25

// Request bodies keep the public field names. Binding tags catch the
// structurally broken requests; the router's Validate owns the trading
// rules, so per-leg shapes stay lax and an invalid basket leg cannot sink
// its siblings.

type orderLeg struct {
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Action            string          `json:"action"`
	Quantity          int64           `json:"quantity"`
	PriceType         string          `json:"pricetype"`
	Product           string          `json:"product"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	DisclosedQuantity int64           `json:"disclosed_quantity"`
}

func (l orderLeg) toRequest(accountID, strategy string) broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:         accountID,
		Symbol:            l.Symbol,
		Exchange:          l.Exchange,
		Side:              broker.Side(l.Action),
		Quantity:          l.Quantity,
		ProductType:       broker.ProductType(l.Product),
		OrderType:         broker.OrderType(l.PriceType),
		Price:             l.Price,
		TriggerPrice:      l.TriggerPrice,
		DisclosedQuantity: l.DisclosedQuantity,
		ClientTag:         strategy,
	}
}

type placeOrderBody struct {
	APIKey   string `json:"apikey" binding:"required"`
	Strategy string `json:"strategy"`
	orderLeg
}

type smartOrderBody struct {
	placeOrderBody
	PositionSize int64 `json:"position_size"`
}

type basketBody struct {
	APIKey   string     `json:"apikey" binding:"required"`
	Strategy string     `json:"strategy"`
	Orders   []orderLeg `json:"orders" binding:"required"`
}

type splitBody struct {
	placeOrderBody
	SplitSize int64 `json:"splitsize"`
}

type modifyBody struct {
	APIKey            string          `json:"apikey" binding:"required"`
	Strategy          string          `json:"strategy"`
	OrderID           string          `json:"orderid" binding:"required"`
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Action            string          `json:"action"`
	Quantity          int64           `json:"quantity"`
	PriceType         string          `json:"pricetype"`
	Product           string          `json:"product"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	DisclosedQuantity int64           `json:"disclosed_quantity"`
}

type orderIDBody struct {
	APIKey   string `json:"apikey" binding:"required"`
	Strategy string `json:"strategy"`
	OrderID  string `json:"orderid" binding:"required"`
}

type accountBody struct {
	APIKey   string `json:"apikey" binding:"required"`
	Strategy string `json:"strategy"`
}

type instrumentBody struct {
	APIKey   string `json:"apikey" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Exchange string `json:"exchange" binding:"required,exchange"`
}

type searchBody struct {
	APIKey   string `json:"apikey" binding:"required"`
	Query    string `json:"query" binding:"required"`
	Exchange string `json:"exchange" binding:"omitempty,exchange"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var body placeOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	res, err := s.gw.PlaceOrder(c.Request.Context(), body.toRequest(accountID, body.Strategy))
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeOrderResult(c, res)
}

func (s *Server) handlePlaceSmartOrder(c *gin.Context) {
	var body smartOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	res, err := s.gw.PlaceSmart(c.Request.Context(), body.toRequest(accountID, body.Strategy), body.PositionSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeOrderResult(c, res)
}

func (s *Server) handleBasketOrder(c *gin.Context) {
	var body basketBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	legs := make([]broker.OrderRequest, 0, len(body.Orders))
	for _, leg := range body.Orders {
		legs = append(legs, leg.toRequest(accountID, body.Strategy))
	}
	res, err := s.gw.PlaceBasket(c.Request.Context(), accountID, legs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "results": res.Legs})
}

func (s *Server) handleSplitOrder(c *gin.Context) {
	var body splitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	legs, err := s.gw.PlaceSplit(c.Request.Context(), body.toRequest(accountID, body.Strategy), body.SplitSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "results": legs})
}

func (s *Server) handleModifyOrder(c *gin.Context) {
	var body modifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	req := broker.ModifyRequest{
		AccountID:         accountID,
		OrderID:           body.OrderID,
		Symbol:            body.Symbol,
		Exchange:          body.Exchange,
		Side:              broker.Side(body.Action),
		ProductType:       broker.ProductType(body.Product),
		OrderType:         broker.OrderType(body.PriceType),
		Quantity:          body.Quantity,
		Price:             body.Price,
		TriggerPrice:      body.TriggerPrice,
		DisclosedQuantity: body.DisclosedQuantity,
	}
	res, err := s.gw.ModifyOrder(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeOrderResult(c, res)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	var body orderIDBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	res, err := s.gw.CancelOrder(c.Request.Context(), accountID, body.OrderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeOrderResult(c, res)
}

func (s *Server) handleCancelAllOrder(c *gin.Context) {
	var body accountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	res, err := s.gw.CancelAllOrders(c.Request.Context(), accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":              "success",
		"canceledorders":      res.Cancelled,
		"failedcancellations": res.Failed,
	})
}

func (s *Server) handleOrderStatus(c *gin.Context) {
	var body orderIDBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	st, err := s.gw.OrderStatus(c.Request.Context(), accountID, body.OrderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": st})
}

func (s *Server) handlePositionBook(c *gin.Context) {
	var body accountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	positions, err := s.gw.GetPositions(c.Request.Context(), accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": positions})
}

func (s *Server) handleHoldings(c *gin.Context) {
	var body accountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	holdings, err := s.gw.GetHoldings(c.Request.Context(), accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": holdings})
}

func (s *Server) handleFunds(c *gin.Context) {
	var body accountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	funds, err := s.gw.GetFunds(c.Request.Context(), accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": funds})
}

func (s *Server) handleQuotes(c *gin.Context) {
	var body instrumentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	quote, err := s.gw.GetQuote(c.Request.Context(), accountID, body.Symbol, body.Exchange)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": quote})
}

func (s *Server) handleDepth(c *gin.Context) {
	var body instrumentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	depth, err := s.gw.GetDepth(c.Request.Context(), accountID, body.Symbol, body.Exchange)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": depth})
}

func (s *Server) handleSearch(c *gin.Context) {
	var body searchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	if _, ok := s.resolveAccount(c, body.APIKey); !ok {
		return
	}
	rows, err := s.gw.Search(c.Request.Context(), body.Query, body.Exchange, searchLimit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": rows})
}

func (s *Server) handlePing(c *gin.Context) {
	var body accountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBindError(c, err)
		return
	}
	accountID, ok := s.resolveAccount(c, body.APIKey)
	if !ok {
		return
	}
	if err := s.gw.Ping(c.Request.Context(), accountID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "pong"})
}
