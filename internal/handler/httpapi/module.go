package httpapi

import "go.uber.org/fx"

var Module = fx.Module("httpapi-handler",
	fx.Provide(NewAPIHandler),
)
