package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/packet-processor/api/handlers"
	"github.com/feichai0017/packet-processor/api/middleware"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

// SetupRoutes registers middleware and every endpoint on r.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, origins []string, log logger.Logger) {
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log.Named("access")))
	r.Use(middleware.CORS(origins))

	r.GET("/healthz", handlers.Health)

	api := r.Group("/api")
	{
		api.POST("/upload-document", h.Packet.UploadDocument)
		api.GET("/document-packet-status/:patient_id", h.Packet.GetPacketStatus)
		api.GET("/document-ocr-text/:patient_id", h.Packet.GetOCRText)
		api.GET("/document-packet-export/:patient_id", h.Packet.ExportPacket)
	}
}
