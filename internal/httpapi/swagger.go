//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// swaggerTemplate is a hand-maintained index of the API; run swag init over
// the handler annotations to replace it with the full generated document.
const swaggerTemplate = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "description": "{{escape .Description}}", "version": "{{.Version}}"},
  "basePath": "{{.BasePath}}",
  "paths": {
    "/models": {"get": {"summary": "List registered models"}},
    "/models/best": {"get": {"summary": "Largest registered model of a type that fits current headroom"}},
    "/models/{id}": {"get": {"summary": "Model metadata"}, "delete": {"summary": "Unload a model and release its memory"}},
    "/models/{id}/load": {"post": {"summary": "Reserve memory for a model and run its load handler"}},
    "/models/{id}/active": {"post": {"summary": "Mark a reserved model active"}},
    "/models/{id}/touch": {"post": {"summary": "Mark a loaded model as recently used"}},
    "/profile": {"get": {"summary": "Hardware snapshot and allocator accounting"}},
    "/profile/refresh": {"post": {"summary": "Re-measure the hardware and rebase allocator budgets"}},
    "/allocations": {"get": {"summary": "Current reservations"}},
    "/status": {"get": {"summary": "Allocator accounting, tracked instances and counters"}},
    "/pressure": {"get": {"summary": "Per-device memory pressure"}},
    "/modes": {"get": {"summary": "Balancer modes"}},
    "/modes/{mode}": {"post": {"summary": "Switch the balancer to a mode"}}
  }
}`

var swaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Title:            "modelrm API",
	Description:      "Memory admission and mode switching for local models.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  swaggerTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(swaggerInfo.InstanceName(), swaggerInfo)
}

// MountSwagger mounts the Swagger UI at /swagger/*.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
