package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

// Require exits the process when err is set. It is for main packages only.
func Require(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	if logg == nil {
		logg = logger.New(logger.Options{ServiceName: "barnlink"})
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}

// Finish logs the result of Runtime.Run and closes the runtime. A canceled
// context counts as a clean shutdown.
func Finish(ctx context.Context, rt *Runtime, runErr error) {
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		rt.Logger.Error(ctx, "worker stopped unexpectedly", runErr)
		code = 1
	}
	if err := rt.Close(); err != nil {
		rt.Logger.Error(ctx, "error closing dependencies", err)
	}
	rt.Logger.Info(ctx, "shut down")
	os.Exit(code)
}
