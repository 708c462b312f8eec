//go:build !swagger

package httpapi

import "github.com/go-chi/chi/v5"

// MountSwagger is a no-op in builds without the swagger tag, so the
// swaggo dependency only has to be present when someone actually wants
// the generated docs served.
func MountSwagger(r chi.Router) {}
