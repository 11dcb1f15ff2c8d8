// Package builtin lists the handlers that ship with bullfinch.
package builtin

import (
	"github.com/fenderchamp/bullfinch/internal/worker"
	"github.com/fenderchamp/bullfinch/internal/worker/echo"
	"github.com/fenderchamp/bullfinch/internal/worker/sqlworker"
)

// Registry returns a new registry holding every built-in handler. Callers
// may register more before handing it to a Boss.
func Registry() *worker.Registry {
	r := worker.NewRegistry()
	r.Register(echo.Class, echo.New)
	r.Register(sqlworker.Class, sqlworker.New)
	return r
}
