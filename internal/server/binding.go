package server

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/realalgo/gateway/internal/broker"
)

var bindingOnce sync.Once

// registerBindingValidations teaches gin's validator the gateway's exchange
// vocabulary so snapshot request bodies can declare it in binding tags.
// Order bodies stay out of this on purpose: their fields are checked by the
// router so a bad leg yields a per-leg rejection instead of a bind error.
func registerBindingValidations() {
	bindingOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterValidation("exchange", func(fl validator.FieldLevel) bool {
			return broker.KnownExchange(fl.Field().String())
		})
	})
}
