package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handlers はルーターに登録するハンドラ群です。
type Handlers struct {
	Health     *HealthHandler
	Employees  *EmployeeHandler
	Registries *RegistryHandler
	Attendance *AttendanceHandler
}

// NewRouter は API のルーティングを構築します。
func NewRouter(h Handlers, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(chiMiddleware.Timeout(requestTimeout))
	}

	if h.Health != nil {
		r.Get("/healthz", h.Health.Check)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.Employees.List)
			r.Post("/", h.Employees.Create)
			r.Get("/{id}", h.Employees.Get)
			r.Patch("/{id}", h.Employees.Update)
			r.Delete("/{id}", h.Employees.Delete)
			r.Get("/{id}/image", h.Employees.Image)
			r.Put("/{id}/image", h.Employees.Reenroll)
			r.Get("/{id}/registries", h.Registries.ListByEmployee)
		})

		r.Route("/registries", func(r chi.Router) {
			r.Get("/", h.Registries.List)
			r.Post("/", h.Registries.Create)
			r.Get("/{id}", h.Registries.Get)
			r.Patch("/{id}", h.Registries.Update)
			r.Delete("/{id}", h.Registries.Delete)
		})

		r.Post("/attendance/recognitions", h.Attendance.Recognize)
	})

	return r
}
