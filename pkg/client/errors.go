package client

import (
	"strings"

	"agora/internal/api"
)

// toolErrorKinds maps the stable kind tokens the tool server embeds in
// error text back to error kinds. Order matters where one token is a
// prefix of another.
var toolErrorKinds = []api.ErrorKind{
	api.KindIdentitySpoofing,
	api.KindPermissionDenied,
	api.KindNotFound,
	api.KindInvalidArgument,
	api.KindInvalidTransition,
	api.KindConflict,
	api.KindDeadlineExceeded,
	api.KindOverloaded,
	api.KindIDGeneration,
	api.KindCursorExpired,
	api.KindHalted,
	api.KindInternal,
}

// parseToolError reconstructs a structured error from the tool result
// text. Tool results carry "Kind: message" produced by the server;
// unrecognized text classifies as Internal, which is not retried.
func parseToolError(text string) *api.Error {
	for _, kind := range toolErrorKinds {
		if strings.Contains(text, string(kind)+":") {
			return api.NewError(kind, "%s", text)
		}
	}
	return api.NewError(api.KindInternal, "%s", text)
}
