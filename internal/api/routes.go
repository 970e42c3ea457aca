package api

import (
	"kobo_connect/internal/service"

	"github.com/gin-gonic/gin"
)

// Webhook routes and the registry name each one delivers to.
var webhookRoutes = map[string]string{
	"/kobo-to-espocrm":  "espocrm",
	"/kobo-to-bitrix24": "bitrix24",
	"/kobo-to-generic":  "generic",
	"/kobo-to-121":      "121",
	"/kobo-update-121":  "update-121",
}

// SetupRoutes configures all routes
func SetupRoutes(r *gin.Engine, svc *service.Service, koboHost string) {
	h := NewHandler(svc, koboHost)

	r.GET("/health", h.Health)

	for path, name := range webhookRoutes {
		r.POST(path, h.KoboWebhook(name))
	}

	r.POST("/create-kobo-headers", h.CreateKoboHeaders)
	r.GET("/submissions/:groupId/:id", h.GetSubmission)

	api := r.Group("/api")
	{
		api.GET("/stats", h.GetStats)
		api.GET("/events", h.GetEvents)
	}
}
