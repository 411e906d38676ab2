package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

const systemPrompt = "Sei un medico specializzato in cardiochirurgia. Rispondi solo con JSON valido, senza commenti."

const promptTemplate = `Estrai **esclusivamente** le seguenti entità dal documento "%s" riportato qui sotto.

Entità da estrarre (solo queste):
%s

Rispondi con una lista JSON di oggetti {"entità": <nome>, "valore": <valore>}.
Se un'entità non è presente nel testo, usa "valore": null. Non inventare valori.

Documento:
"""
%s
"""`

// generator is the part of the ollama client used for extraction.
type generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

type OllamaConfig struct {
	Endpoint    string
	Model       string
	Temperature float64
	NumCtx      int
	Timeout     time.Duration
}

// OllamaExtractor asks a local model for the catalog entities of a section.
// Answers that cannot be parsed fall back to keyword matching.
type OllamaExtractor struct {
	client   generator
	config   OllamaConfig
	fallback *KeywordExtractor
	logger   logger.Logger
}

func NewOllamaExtractor(cfg OllamaConfig, log logger.Logger) (*OllamaExtractor, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	client := api.NewClient(base, &http.Client{Timeout: cfg.Timeout})
	return newOllamaExtractor(client, cfg, log), nil
}

func newOllamaExtractor(client generator, cfg OllamaConfig, log logger.Logger) *OllamaExtractor {
	return &OllamaExtractor{
		client:   client,
		config:   cfg,
		fallback: NewKeywordExtractor(),
		logger:   log.Named("ollama"),
	}
}

func (o *OllamaExtractor) Name() string { return "ollama:" + o.config.Model }

func (o *OllamaExtractor) Extract(ctx context.Context, section Section) (models.Entities, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.config.Model,
		System: systemPrompt,
		Prompt: buildPrompt(section),
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]any{
			"temperature": o.config.Temperature,
			"num_ctx":     o.config.NumCtx,
		},
	}

	var answer strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		answer.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}

	entities, err := ParseResponse(answer.String())
	if err != nil {
		o.logger.Warn("Unparseable model answer, using keyword fallback",
			logger.String("documentType", section.Type),
			logger.Error(err),
		)
		return o.fallback.Extract(ctx, section)
	}
	return entities, nil
}

func buildPrompt(section Section) string {
	label := section.Label
	if label == "" {
		label = section.Type
	}
	var keys strings.Builder
	for _, k := range section.Keys {
		keys.WriteString("- ")
		keys.WriteString(k)
		keys.WriteByte('\n')
	}
	return fmt.Sprintf(promptTemplate, label, strings.TrimRight(keys.String(), "\n"), section.Text)
}
