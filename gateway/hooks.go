package gateway

import (
	serrors "github.com/ecostock/storefront-core/internal/errors"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/session"
)

// Navigator is told when the user must (re-)authenticate. Implementations
// typically route the UI to the login surface.
type Navigator interface {
	RequireLogin(reason session.Reason)
}

// Presenter shows non-authentication failures to the user.
type Presenter interface {
	Present(req *Request, err *serrors.ServiceError)
}

type noopNavigator struct{}

func (noopNavigator) RequireLogin(session.Reason) {}

// LogPresenter writes failures to the log instead of a UI.
type LogPresenter struct {
	Log *logger.Logger
}

// Present logs err.
func (p LogPresenter) Present(req *Request, err *serrors.ServiceError) {
	p.Log.WithField("method", req.Method).
		WithField("path", req.Path).
		WithField("kind", err.Kind.String()).
		WithField("status", err.HTTPStatus).
		Warn(err.Error())
}
