package middleware

import (
	"fmt"
	"net/http"

	"github.com/angelmondragon/barnlink/api/responses"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

// Recoverer converts a panicking handler into a 500 envelope. The panic value
// is logged, never returned. http.ErrAbortHandler keeps its meaning and is
// re-raised.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				switch rec := recover(); rec {
				case nil:
				case http.ErrAbortHandler:
					panic(rec)
				default:
					cause := fmt.Errorf("handler panic: %v", rec)
					responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, cause, "panic"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
