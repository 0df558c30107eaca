// Package autoload initializes the global logger from the LOG-prefixed
// environment on import. Blank-import it from main.
package autoload

import (
	configx "github.com/tiendabot/tiendabot/pkg/config"
	logx "github.com/tiendabot/tiendabot/pkg/logger"
)

func init() {
	cfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*cfg)
}
