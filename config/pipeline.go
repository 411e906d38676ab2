package config

import (
	"sync"
	"time"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
)

type PipelineConfig struct {
	CatalogPath        string
	OCRTimeout         time.Duration
	OCRMaxAttempts     int
	SectionTimeout     time.Duration
	SectionMaxAttempts int
	SectionWorkers     int
	RunTimeout         time.Duration
	RunnerWorkers      int
	RunnerQueueSize    int
	PacketTTL          time.Duration
	Extractor          string // ollama | keyword
}

func GetPipelineConfig() *PipelineConfig {
	pipelineOnce.Do(func() {
		loadEnv()
		pipelineConfig = &PipelineConfig{
			CatalogPath:        getEnv("CATALOG_PATH", ""),
			OCRTimeout:         getEnvAsDuration("OCR_TIMEOUT", 2*time.Minute),
			OCRMaxAttempts:     getEnvAsInt("OCR_MAX_ATTEMPTS", 1),
			SectionTimeout:     getEnvAsDuration("SECTION_TIMEOUT", 90*time.Second),
			SectionMaxAttempts: getEnvAsInt("SECTION_MAX_ATTEMPTS", 1),
			SectionWorkers:     getEnvAsInt("SECTION_WORKERS", 4),
			RunTimeout:         getEnvAsDuration("RUN_TIMEOUT", 30*time.Minute),
			RunnerWorkers:      getEnvAsInt("RUNNER_WORKERS", 4),
			RunnerQueueSize:    getEnvAsInt("RUNNER_QUEUE_SIZE", 64),
			PacketTTL:          getEnvAsDuration("PACKET_TTL", 24*time.Hour),
			Extractor:          getEnv("EXTRACTOR", "ollama"),
		}
	})
	return pipelineConfig
}
