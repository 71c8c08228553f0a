package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/marketdata"
)

const (
	wsReadLimit    = 4096
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsAuthWait     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is every client-to-gateway frame. Action selects the shape:
// auth carries apikey, subscribe/unsubscribe carry the topic fields,
// unsubscribe_all carries nothing.
type wsRequest struct {
	Action   string `json:"action"`
	APIKey   string `json:"apikey,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// wsTick wraps a bus tick with the frame type marker.
type wsTick struct {
	Type string `json:"type"`
	broker.Tick
}

// wsClient is one upgraded connection. The read pump is the only goroutine
// touching topics; every outbound frame goes through the write pump, either
// from the subscriber queue or from the control channel.
type wsClient struct {
	log    *zap.Logger
	conn   *websocket.Conn
	sub    *marketdata.Subscriber
	srv    *Server
	ctx    context.Context
	send   chan any
	topics map[broker.Topic]struct{}
}

// handleWS upgrades the connection, authenticates it and serves it until
// either side drops.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	accountID, ok := s.wsAuthenticate(conn, c.Request)
	if !ok {
		conn.Close()
		return
	}

	client := &wsClient{
		log:    s.log.With(zap.String("account", accountID)),
		conn:   conn,
		sub:    s.gw.Connect(),
		srv:    s,
		ctx:    c.Request.Context(),
		send:   make(chan any, 16),
		topics: make(map[broker.Topic]struct{}),
	}
	go client.writePump()
	client.readPump()
}

// wsAuthenticate resolves the apikey from the query string or, failing
// that, from the first frame. The auth outcome is always answered before
// any other traffic.
func (s *Server) wsAuthenticate(conn *websocket.Conn, r *http.Request) (string, bool) {
	key := r.URL.Query().Get("apikey")
	if key == "" {
		conn.SetReadDeadline(time.Now().Add(wsAuthWait))
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return "", false
		}
		key = req.APIKey
	}

	accountID, err := s.keys.Verify(r.Context(), key)
	if err != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteJSON(gin.H{"type": "auth", "status": "error", "message": "invalid api key"})
		return "", false
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(gin.H{"type": "auth", "status": "success"}); err != nil {
		return "", false
	}
	return accountID, true
}

func (cl *wsClient) readPump() {
	defer func() {
		cl.srv.gw.Disconnect(cl.sub)
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(wsReadLimit)
	cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			cl.control(gin.H{"type": "error", "message": "malformed request"})
			continue
		}
		cl.handle(req)
	}
}

func (cl *wsClient) handle(req wsRequest) {
	switch req.Action {
	case "subscribe":
		topic, err := cl.topicFrom(req)
		if err != nil {
			cl.control(gin.H{"type": "error", "message": err.Error()})
			return
		}
		if err := cl.srv.gw.Subscribe(cl.ctx, cl.sub, []broker.Topic{topic}); err != nil {
			cl.control(gin.H{"type": "error", "message": err.Error()})
			return
		}
		cl.topics[topic] = struct{}{}
	case "unsubscribe":
		topic, err := cl.topicFrom(req)
		if err != nil {
			cl.control(gin.H{"type": "error", "message": err.Error()})
			return
		}
		cl.srv.gw.Unsubscribe(cl.sub, []broker.Topic{topic})
		delete(cl.topics, topic)
	case "unsubscribe_all":
		all := make([]broker.Topic, 0, len(cl.topics))
		for t := range cl.topics {
			all = append(all, t)
		}
		cl.srv.gw.Unsubscribe(cl.sub, all)
		cl.topics = make(map[broker.Topic]struct{})
	default:
		cl.control(gin.H{"type": "error", "message": "unknown action " + req.Action})
	}
}

func (cl *wsClient) topicFrom(req wsRequest) (broker.Topic, error) {
	mode, err := broker.ParseMode(req.Mode)
	if err != nil {
		return broker.Topic{}, err
	}
	if req.Symbol == "" || !broker.KnownExchange(req.Exchange) {
		return broker.Topic{}, broker.ErrValidation
	}
	return broker.Topic{Exchange: req.Exchange, Symbol: req.Symbol, Mode: mode}, nil
}

// control queues a control frame for the write pump. A saturated control
// channel drops the frame; market data always has the queue to itself.
func (cl *wsClient) control(msg any) {
	select {
	case cl.send <- msg:
	default:
	}
}

func (cl *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case tick, ok := <-cl.sub.Ticks():
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"))
				return
			}
			if err := cl.conn.WriteJSON(wsTick{Type: "market_data", Tick: tick}); err != nil {
				return
			}
		case msg := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
