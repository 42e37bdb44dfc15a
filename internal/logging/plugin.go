// ABOUTME: Route detection for request logging.
// ABOUTME: Determines which API surface a request belongs to based on URL path.

package logging

import "strings"

// Route names stored in request_logs.route.
const (
	RouteImages  = "images"
	RouteAdmin   = "admin"
	RouteRemotes = "remotes"
	RouteUnknown = "unknown"
)

// RouteFromPath determines which API surface handles a given path
func RouteFromPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/images"):
		return RouteImages
	case strings.HasPrefix(path, "/admin/"):
		return RouteAdmin
	case strings.HasPrefix(path, "/remotes/"):
		return RouteRemotes
	}
	return RouteUnknown
}
