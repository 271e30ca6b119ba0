// Package builtin registers the plugins shipped with the shell.
package builtin

import (
	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/plugins/app"
	"github.com/mattjoyce/hybridshell/plugins/console"
	"github.com/mattjoyce/hybridshell/plugins/device"
	"github.com/mattjoyce/hybridshell/plugins/echo"
	"github.com/mattjoyce/hybridshell/plugins/preferences"
)

// Catalog returns a catalog with every built-in plugin type registered.
func Catalog() *plugin.Catalog {
	c := plugin.NewCatalog()
	c.MustRegister(app.Type, app.New)
	c.MustRegister(console.Type, console.New)
	c.MustRegister(device.Type, device.New)
	c.MustRegister(echo.Type, echo.New)
	c.MustRegister(preferences.Type, preferences.New)
	return c
}
