//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "chatsafe/docs"
)

// MountSwagger serves the OpenAPI docs UI at /swagger/*, backed by the
// document that package docs registers with swag.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
