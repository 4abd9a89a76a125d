package usecase

import (
	"go.uber.org/fx"
)

// Module provides the session service and the upload watcher. The ExecutionStarter and the
// storage connection are supplied by the application wiring.
var Module = fx.Options(
	fx.Provide(NewDefaultSessionService),
	fx.Provide(func(s *DefaultSessionService) SessionService { return s }),
	fx.Provide(NewWatcher),
)
