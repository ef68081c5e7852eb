package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Rajchodisetti/premium-engine/internal/resilience"
)

// FeatureSummary is what the advisor sees of one candidate.
type FeatureSummary struct {
	Symbol       string   `json:"symbol"`
	Sector       string   `json:"sector"`
	Price        float64  `json:"price"`
	ChangePct    float64  `json:"change_pct"`
	Score        float64  `json:"score"`
	IVRank       float64  `json:"iv_rank,omitempty"`
	PutCallRatio float64  `json:"put_call_ratio,omitempty"`
	Signals      []string `json:"signals,omitempty"`
	Regime       string   `json:"regime"`
}

// Advice actions.
const (
	AdviceEnter = "ENTER"
	AdviceSkip  = "SKIP"
	AdviceWatch = "WATCH"
)

// Advice is one recommendation; the engine's own filters take precedence.
type Advice struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Advisor reviews a shortlist.
type Advisor interface {
	Advise(ctx context.Context, strategy string, candidates []FeatureSummary) (map[string]Advice, error)
}

// NoopAdvisor returns no advice.
type NoopAdvisor struct{}

func (NoopAdvisor) Advise(context.Context, string, []FeatureSummary) (map[string]Advice, error) {
	return map[string]Advice{}, nil
}

// HTTPAdvisorConfig configures an OpenAI-compatible chat completions endpoint.
type HTTPAdvisorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// HTTPAdvisor asks a chat-completions model for per-symbol advice as JSON.
type HTTPAdvisor struct {
	cfg        HTTPAdvisorConfig
	httpClient *http.Client
	guard      *resilience.Guard
}

func NewHTTPAdvisor(cfg HTTPAdvisorConfig, guard *resilience.Guard) *HTTPAdvisor {
	return &HTTPAdvisor{cfg: cfg, httpClient: &http.Client{}, guard: guard}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type advicePayload struct {
	Recommendations []Advice `json:"recommendations"`
}

const advisorSystemPrompt = "You review options premium-selling candidates. " +
	"Reply with JSON {\"recommendations\":[{\"symbol\",\"action\":\"ENTER|SKIP|WATCH\",\"confidence\":0..1,\"rationale\"}]}."

func (a *HTTPAdvisor) Advise(ctx context.Context, strategy string, candidates []FeatureSummary) (map[string]Advice, error) {
	out := map[string]Advice{}
	if len(candidates) == 0 {
		return out, nil
	}
	features, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode candidates: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: advisorSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Strategy: %s\nCandidates: %s", strategy, features)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode advisor request: %w", err)
	}

	var resp chatResponse
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(a.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		httpResp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return fmt.Errorf("advisor status %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
			return resilience.Permanent(fmt.Errorf("advisor status %d: %s", httpResp.StatusCode, msg))
		}
		return json.NewDecoder(httpResp.Body).Decode(&resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("advisor returned no choices")
	}

	var payload advicePayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse advisor content: %w", err)
	}
	for _, adv := range payload.Recommendations {
		adv.Symbol = strings.ToUpper(adv.Symbol)
		adv.Action = strings.ToUpper(adv.Action)
		if adv.Confidence < 0 || adv.Confidence > 1 {
			continue
		}
		out[adv.Symbol] = adv
	}
	return out, nil
}
