/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/admin/*            Admin enrollment, directory and activity log
  /api/enrollments/*      Verification and sync
  /api/progress           Content-consumption events
  /api/access-requests/*  Gated course workflow
  /api/payments, /api/webhooks/payment
  /api/health/*           Reconciliation
  /api/scenarios/*        Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/enrollments", h.Enroll)
			r.Delete("/enrollments/{studentID}/{courseID}", h.Unenroll)
			r.Delete("/courses/{id}", h.DeleteCourse)
			r.Get("/activity", h.ListActivity)
		})

		// Enrollment routes
		r.Route("/enrollments/{studentID}/{courseID}", func(r chi.Router) {
			r.Get("/", h.GetEnrollment)
			r.Post("/sync", h.SyncEnrollment)
		})
		r.Post("/progress", h.RecordProgress)

		// Directory routes
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
		})
		r.Route("/courses", func(r chi.Router) {
			r.Get("/", h.ListCourses)
			r.Post("/", h.CreateCourse)
		})

		// Access request routes
		r.Route("/access-requests", func(r chi.Router) {
			r.Post("/", h.SubmitAccessRequest)
			r.Get("/pending", h.ListPendingRequests)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
		})

		// Payment routes
		r.Post("/payments", h.CreatePayment)
		r.Post("/webhooks/payment", h.PaymentWebhook)

		// Reconciliation routes
		r.Route("/health", func(r chi.Router) {
			r.Get("/enrollments", h.EnrollmentHealth)
			r.Post("/enrollments/repair", h.RepairEnrollments)
			r.Post("/maintenance", h.RunMaintenance)
			r.Get("/runs", h.ListReconciliationRuns)
			r.Get("/runs/{id}", h.GetReconciliationRun)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
