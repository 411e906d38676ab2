package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/feichai0017/packet-processor/internal/models"
)

var errEmptyResponse = errors.New("empty model response")

// pair is one element of the list format the prompt asks for.
type pair struct {
	Entity  string `json:"entità"`
	Entita  string `json:"entita"`
	EntityE string `json:"entity"`
	Value   any    `json:"valore"`
	ValueE  any    `json:"value"`
}

func (p pair) key() string {
	for _, k := range []string{p.Entity, p.Entita, p.EntityE} {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return ""
}

func (p pair) value() any {
	if p.Value != nil {
		return p.Value
	}
	return p.ValueE
}

// ParseResponse decodes a model answer. It accepts a list of
// {"entità","valore"} pairs, a plain object, or either of them wrapped in a
// markdown code fence.
func ParseResponse(raw string) (models.Entities, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, errEmptyResponse
	}

	switch body[0] {
	case '[':
		var pairs []pair
		if err := json.Unmarshal([]byte(body), &pairs); err != nil {
			return nil, fmt.Errorf("malformed entity list: %w", err)
		}
		out := make(models.Entities, len(pairs))
		for i, p := range pairs {
			k := p.key()
			if k == "" {
				return nil, fmt.Errorf("entity list item %d has no name", i)
			}
			out[k] = p.value()
		}
		return out, nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return nil, fmt.Errorf("malformed entity object: %w", err)
		}
		return models.Entities(obj), nil
	default:
		return nil, fmt.Errorf("model response is not JSON")
	}
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
