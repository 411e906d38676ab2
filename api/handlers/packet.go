package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/internal/service/packet"
	"github.com/feichai0017/packet-processor/internal/utils/validator"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// multipartSlack covers the form fields and boundaries around the file.
const multipartSlack = 1 << 20

type PacketHandler struct {
	service       packet.PacketService
	maxUploadSize int64
	logger        logger.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewPacketHandler(service packet.PacketService, maxUploadSize int64, log logger.Logger) *PacketHandler {
	return &PacketHandler{
		service:       service,
		maxUploadSize: maxUploadSize,
		logger:        log.Named("http"),
	}
}

// UploadDocument accepts a multipart upload and answers before processing
// has finished.
func (h *PacketHandler) UploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartSlack)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.handleError(c, http.StatusRequestEntityTooLarge, "File too large", err)
			return
		}
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	asPacket := true
	if raw := strings.TrimSpace(c.PostForm("process_as_packet")); raw != "" {
		asPacket, err = strconv.ParseBool(raw)
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid process_as_packet", err)
			return
		}
	}

	ack, err := h.service.Upload(c.Request.Context(), packet.UploadRequest{
		File:            file,
		Header:          header,
		PatientID:       c.PostForm("patient_id"),
		ProcessAsPacket: asPacket,
		DocumentType:    c.PostForm("document_type"),
	})
	if err != nil {
		h.handleError(c, statusFor(err), "Upload rejected", err)
		return
	}

	c.JSON(http.StatusAccepted, ack)
}

func (h *PacketHandler) GetPacketStatus(c *gin.Context) {
	view, err := h.service.GetStatus(c.Request.Context(), c.Param("patient_id"))
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to get packet status", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PacketHandler) GetOCRText(c *gin.Context) {
	view, err := h.service.GetOCRText(c.Request.Context(), c.Param("patient_id"))
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to get OCR text", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PacketHandler) ExportPacket(c *gin.Context) {
	patientID := c.Param("patient_id")
	data, err := h.service.ExportXLSX(c.Request.Context(), patientID)
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to export packet", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", patientID+"_entities.xlsx"))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, validator.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, validator.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, validator.ErrEmptyFile), errors.Is(err, packet.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUploadRejected), errors.Is(err, models.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *PacketHandler) handleError(c *gin.Context, status int, message string, err error) {
	log := logger.FromContext(c.Request.Context(), h.logger)
	fields := []logger.Field{logger.String("path", c.Request.URL.Path), logger.Int("status", status), logger.Error(err)}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Warn(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	if status >= http.StatusInternalServerError {
		response.Error = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, response)
}
