// Package generation - клиенты генерации фрагментов структуры (OpenAI или
// Ollama), сборка промптов и разбор предложений генератора в строго
// типизированный фрагмент графа.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"choicebook-server/internal/config"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Цены для оценки стоимости, USD за 1М токенов.
const (
	pricePerMillionInputTokensUSD  = 0.1
	pricePerMillionOutputTokensUSD = 0.4
)

// ErrGenerationRequestFailed - запрос к генератору не удался или ответ пуст.
var ErrGenerationRequestFailed = errors.New("ошибка запроса к генератору контента")

var (
	generationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choicebook_generation_requests_total",
			Help: "Total number of content generator API requests.",
		},
		[]string{"model", "status"},
	)
	generationRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choicebook_generation_request_duration_seconds",
			Help:    "Histogram of content generator request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	generationPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choicebook_generation_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"model"},
	)
	generationCompletionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "choicebook_generation_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(100, 100, 20),
		},
		[]string{"model"},
	)
	generationEstimatedCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choicebook_generation_estimated_cost_usd_total",
			Help: "Estimated total cost of content generator requests in USD.",
		},
		[]string{"model"},
	)
)

// UsageInfo - расход токенов одного запроса генерации.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64
}

// GenerationParams - параметры сэмплирования. Указатели отличают
// "не задано" от нулевого значения.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// ContentGenerator - клиент генерации текста структурных предложений.
type ContentGenerator interface {
	// GenerateStructure выполняет один запрос: системный промпт задает
	// контракт JSON-ответа, userInput несет контекст истории.
	GenerateStructure(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error)
}

func calculateCost(promptTokens, completionTokens int) float64 {
	inputCost := float64(promptTokens) * pricePerMillionInputTokensUSD / 1_000_000.0
	outputCost := float64(completionTokens) * pricePerMillionOutputTokensUSD / 1_000_000.0
	return inputCost + outputCost
}

// estimateUsage прикидывает расход токенов токенизатором, когда провайдер
// не вернул usage-блок.
func estimateUsage(model, systemPrompt, userInput, completion string) (UsageInfo, bool) {
	tke, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return UsageInfo{}, false
	}
	prompt := len(tke.Encode(systemPrompt, nil, nil)) + len(tke.Encode(userInput, nil, nil))
	completed := len(tke.Encode(completion, nil, nil))
	return UsageInfo{
		PromptTokens:     prompt,
		CompletionTokens: completed,
		TotalTokens:      prompt + completed,
		EstimatedCostUSD: calculateCost(prompt, completed),
	}, true
}

func observeUsage(model string, usage UsageInfo) {
	if usage.TotalTokens == 0 {
		return
	}
	generationPromptTokens.With(prometheus.Labels{"model": model}).Observe(float64(usage.PromptTokens))
	generationCompletionTokens.With(prometheus.Labels{"model": model}).Observe(float64(usage.CompletionTokens))
	if usage.EstimatedCostUSD > 0 {
		generationEstimatedCostUSD.With(prometheus.Labels{"model": model}).Add(usage.EstimatedCostUSD)
	}
}

func float32Val(f64 *float64) float32 {
	if f64 == nil {
		return 1.0
	}
	return float32(*f64)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// --- OpenAI ---

type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func (c *openAIClient) GenerateStructure(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	var usage UsageInfo

	if strings.TrimSpace(systemPrompt) == "" {
		generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", usage, fmt.Errorf("%w: системный промпт пуст", ErrGenerationRequestFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: userInput,
		})
	}

	startTime := time.Now()
	c.logger.Debug("Sending generation request",
		zap.String("model", c.model),
		zap.Int("systemPromptBytes", len(systemPrompt)),
		zap.Int("userInputBytes", len(userInput)))

	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
	})
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("Generator API request failed", zap.Duration("duration", duration), zap.Error(err))
		generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrGenerationRequestFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Error("Generator API returned empty response", zap.Duration("duration", duration))
		generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error_empty_response"}).Inc()
		return "", usage, fmt.Errorf("%w: получен пустой ответ", ErrGenerationRequestFailed)
	}

	generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "success"}).Inc()
	generationRequestDuration.With(prometheus.Labels{"model": c.model}).Observe(duration.Seconds())

	generatedText := resp.Choices[0].Message.Content

	if resp.Usage.TotalTokens > 0 {
		usage = UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			EstimatedCostUSD: calculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		}
	} else if est, ok := estimateUsage(c.model, systemPrompt, userInput, generatedText); ok {
		// Прокси к совместимому API может не отдавать usage.
		usage = est
	}
	observeUsage(c.model, usage)

	c.logger.Info("Generation response received",
		zap.Duration("duration", duration),
		zap.Int("responseChars", len(generatedText)),
		zap.Int("totalTokens", usage.TotalTokens))
	return generatedText, usage, nil
}

// --- Ollama ---

type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func newOllamaClient(cfg *config.Config, logger *zap.Logger) (ContentGenerator, error) {
	baseURL := strings.TrimSuffix(cfg.OllamaBaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", baseURL, err)
	}

	httpClient := &http.Client{Timeout: cfg.GenerationTimeout}
	client := api.NewClient(parsedURL, httpClient)

	logger.Info("Ollama content generator created",
		zap.String("baseURL", baseURL),
		zap.String("model", cfg.OllamaModel),
		zap.Duration("timeout", cfg.GenerationTimeout))

	return &ollamaClient{
		client:  client,
		model:   cfg.OllamaModel,
		timeout: cfg.GenerationTimeout,
		logger:  logger.Named("OllamaGenerator"),
	}, nil
}

func (c *ollamaClient) GenerateStructure(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	var usage UsageInfo

	if strings.TrimSpace(systemPrompt) == "" {
		generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", usage, fmt.Errorf("%w: системный промпт пуст", ErrGenerationRequestFailed)
	}

	messages := []api.Message{
		{Role: "system", Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: userInput})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": params.Temperature,
			"top_p":       params.TopP,
			"num_predict": intVal(params.MaxTokens),
		},
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	c.logger.Debug("Sending generation request",
		zap.String("model", c.model),
		zap.Int("systemPromptBytes", len(systemPrompt)),
		zap.Int("userInputBytes", len(userInput)))

	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("Ollama request timed out",
				zap.Duration("timeout", c.timeout), zap.Duration("duration", duration), zap.Error(err))
		} else {
			c.logger.Error("Ollama request failed", zap.Duration("duration", duration), zap.Error(err))
		}
		generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrGenerationRequestFailed, err)
	}
	if resp.Message.Content == "" {
		c.logger.Error("Ollama returned empty response", zap.Duration("duration", duration))
		generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error_empty_response"}).Inc()
		return "", usage, fmt.Errorf("%w: получен пустой ответ", ErrGenerationRequestFailed)
	}

	generationRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "success"}).Inc()
	generationRequestDuration.With(prometheus.Labels{"model": c.model}).Observe(duration.Seconds())

	// Локальная модель: стоимость нулевая, токены из ответа.
	usage = UsageInfo{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	observeUsage(c.model, usage)

	c.logger.Info("Generation response received",
		zap.Duration("duration", duration),
		zap.Int("responseChars", len(resp.Message.Content)),
		zap.Int("totalTokens", usage.TotalTokens))
	return resp.Message.Content, usage, nil
}

// --- Factory ---

// NewContentGenerator создает клиента генерации по типу из конфигурации.
func NewContentGenerator(cfg *config.Config, logger *zap.Logger) (ContentGenerator, error) {
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		openaiConfig := openaigo.DefaultConfig(cfg.OpenAIKey)
		if cfg.OpenAIBaseURL != "" {
			openaiConfig.BaseURL = cfg.OpenAIBaseURL
		}
		openaiConfig.HTTPClient = &http.Client{Timeout: cfg.GenerationTimeout}
		client := openaigo.NewClientWithConfig(openaiConfig)

		logger.Info("OpenAI content generator created",
			zap.String("model", cfg.OpenAIModel),
			zap.Duration("timeout", cfg.GenerationTimeout))
		return &openAIClient{
			client: client,
			model:  cfg.OpenAIModel,
			logger: logger.Named("OpenAIGenerator"),
		}, nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип клиента генерации: '%s'", cfg.AIClientType)
	}
}
