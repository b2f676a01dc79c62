package prover

import (
	"net/http"

	"github.com/intmax-network/validity-prover/app/prover/controller"
	"github.com/intmax-network/validity-prover/app/prover/types"
	"go.uber.org/zap"
)

// NewServer builds the router and attaches the HTTP server to the app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	app.Server = &http.Server{Addr: app.Config.Addr, Handler: router}
	app.Logger.Info("HTTP server configured", zap.String("addr", app.Config.Addr))

	return nil
}
