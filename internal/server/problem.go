package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/realalgo/gateway/internal/apikeys"
	"github.com/realalgo/gateway/internal/broker"
)

// statusFor maps the broker error taxonomy onto HTTP statuses. Anything the
// taxonomy does not name is an internal error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, broker.ErrAmbiguous):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the unified problem envelope. Ambiguous outcomes are
// flagged so callers know to reconcile through /orderstatus instead of
// resubmitting.
func (s *Server) writeError(c *gin.Context, err error) {
	body := gin.H{"status": "error", "message": err.Error()}
	if broker.IsAmbiguous(err) {
		body["ambiguous"] = true
	}
	c.JSON(statusFor(err), body)
}

// writeBindError reports a request body that failed binding or validation.
func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
}

// resolveAccount verifies the apikey and returns the owning account id. On
// failure it writes the response and returns ok=false.
func (s *Server) resolveAccount(c *gin.Context, apikey string) (string, bool) {
	accountID, err := s.keys.Verify(c.Request.Context(), apikey)
	if err != nil {
		if errors.Is(err, apikeys.ErrInvalidKey) {
			c.JSON(http.StatusForbidden, gin.H{"status": "error", "message": "invalid api key"})
		} else {
			s.writeError(c, err)
		}
		return "", false
	}
	return accountID, true
}

// writeOrderResult renders one mutating outcome. Broker declines surface as
// the error envelope with a 400; everything else succeeded from the
// gateway's point of view.
func writeOrderResult(c *gin.Context, res broker.OrderResult) {
	if res.Status == broker.StatusRejected {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": res.Message})
		return
	}
	body := gin.H{"status": "success", "orderid": res.BrokerOrderID}
	if res.Message != "" {
		body["message"] = res.Message
	}
	c.JSON(http.StatusOK, body)
}
