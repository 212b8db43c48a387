package ondemand

import (
	"fmt"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

// ErrStopped is returned by EnsureRoute once the scheduler has been stopped,
// and delivered to callers that were still waiting at that moment.
var ErrStopped = ferrors.RuntimeError("ondemand scheduler stopped").Build()

// IsRouteNotFound reports whether err means no page file exists for a route.
func IsRouteNotFound(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryNotFound)
}

// IsCompilationFailure reports whether err is a build engine failure for a
// route. Fixing the source and requesting the route again retries the build.
func IsCompilationFailure(err error) bool {
	return ferrors.HasCategory(err, ferrors.CategoryBuild)
}

func routeNotFound(route string) error {
	return ferrors.NotFoundError(fmt.Sprintf("page not found: %s", route)).
		WithContext("route", route).
		Build()
}

func compilationFailure(route string, p Pipeline, cause error) error {
	return ferrors.WrapError(cause, ferrors.CategoryBuild, fmt.Sprintf("compiling %s failed", route)).
		UserAction().
		WithContext("route", route).
		WithContext("pipeline", string(p)).
		Build()
}
