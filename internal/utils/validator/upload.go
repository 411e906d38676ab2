package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

var (
	ErrFileTooLarge    = fmt.Errorf("%w: file too large", models.ErrUploadRejected)
	ErrUnsupportedType = fmt.Errorf("%w: unsupported file type", models.ErrUploadRejected)
	ErrEmptyFile       = fmt.Errorf("%w: empty file", models.ErrUploadRejected)
)

// UploadValidator checks an uploaded file before anything is stored.
type UploadValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

type ValidatorConfig struct {
	MaxFileSize int64
	// AllowedTypes maps an extension to the content types sniffing may report for it.
	AllowedTypes map[string][]string
}

// FileInfo describes an accepted upload.
type FileInfo struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Extension   string `json:"extension"`
	ContentType string `json:"contentType"`
	Hash        string `json:"hash"`
}

func DefaultConfig(maxFileSize int64) *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: maxFileSize,
		AllowedTypes: map[string][]string{
			".pdf":  {"application/pdf"},
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".bmp":  {"image/bmp"},
			".tif":  {"image/tiff", "application/octet-stream"},
			".tiff": {"image/tiff", "application/octet-stream"},
			".txt":  {"text/plain"},
		},
	}
}

func NewUploadValidator(log logger.Logger, config *ValidatorConfig) *UploadValidator {
	if config == nil {
		config = DefaultConfig(50 * 1024 * 1024)
	}
	return &UploadValidator{logger: log, config: config}
}

// canonicalType is the content type recorded for an extension.
var canonicalType = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".txt":  "text/plain",
}

// Validate sniffs the first bytes of the file and checks them against the
// extension. It leaves the file positioned at the start.
func (v *UploadValidator) Validate(file multipart.File, header *multipart.FileHeader) (*FileInfo, error) {
	info := &FileInfo{
		Filename:  filepath.Base(header.Filename),
		Size:      header.Size,
		Extension: strings.ToLower(filepath.Ext(header.Filename)),
	}

	if info.Size == 0 {
		return nil, ErrEmptyFile
	}
	if info.Size > v.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, info.Size, v.config.MaxFileSize)
	}
	allowed, ok := v.config.AllowedTypes[info.Extension]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q", ErrUnsupportedType, info.Extension)
	}

	sniffed, err := detectContentType(file)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	if !slices.Contains(allowed, sniffed) {
		v.logger.Warn("Content does not match extension",
			logger.String("filename", info.Filename),
			logger.String("extension", info.Extension),
			logger.String("detected", sniffed),
		)
		return nil, fmt.Errorf("%w: content is %s, not %s", ErrUnsupportedType, sniffed, info.Extension)
	}
	info.ContentType = canonicalType[info.Extension]

	hash, err := calculateHash(file)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}
	info.Hash = hash
	return info, nil
}

func detectContentType(file multipart.File) (string, error) {
	buffer := make([]byte, 512)
	n, err := io.ReadFull(file, buffer)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	ct := http.DetectContentType(buffer[:n])
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct, nil
}

func calculateHash(file multipart.File) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
