package config

import (
	"sync"
	"time"
)

var (
	textractOnce   sync.Once
	textractConfig *TextractConfig
)

// TextractConfig selects the cloud OCR engine. When disabled, images go
// through local tesseract and scanned PDFs fail with an OCR error. Multi-page
// scans are staged in StagingBucket, which defaults to the S3 storage bucket.
type TextractConfig struct {
	Enabled       bool
	Region        string
	AccessKey     string
	SecretKey     string
	MinConfidence float64
	Languages     string
	StagingBucket string
	StagingPrefix string
	PollInterval  time.Duration
}

func GetTextractConfig() *TextractConfig {
	textractOnce.Do(func() {
		loadEnv()
		textractConfig = &TextractConfig{
			Enabled:       getEnvAsBool("TEXTRACT_ENABLED", false),
			Region:        getEnv("AWS_REGION", "eu-south-1"),
			AccessKey:     getEnv("AWS_ACCESS_KEY", ""),
			SecretKey:     getEnv("AWS_SECRET_KEY", ""),
			MinConfidence: 80.0,
			Languages:     getEnv("TESSERACT_LANGS", "ita+eng"),
			StagingBucket: getEnv("TEXTRACT_S3_BUCKET", getEnv("AWS_S3_BUCKET_NAME", "")),
			StagingPrefix: getEnv("TEXTRACT_S3_PREFIX", "textract-staging"),
			PollInterval:  getEnvAsDuration("TEXTRACT_POLL_INTERVAL", 2*time.Second),
		}
	})
	return textractConfig
}
