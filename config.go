package mealscan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
)

// OpenAIConfig configures the rate-limited completion client. APIKeys is
// either a JSON array of key strings or a single bare key.
type OpenAIConfig struct {
	APIKeys   string `env:"OPENAI_API_KEYS,required"`
	BaseURL   string `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1"`
	Model     string `env:"OPENAI_MODEL,default=gpt-4o"`
	MaxTokens int    `env:"MAX_TOKENS,default=1024" validate:"gt=0"`
}

// Keys returns the parsed credential pool in rotation order.
func (c OpenAIConfig) Keys() ([]string, error) {
	return ParseAPIKeys(c.APIKeys)
}

// IdentifyConfig bounds the vision identification stage.
type IdentifyConfig struct {
	Temperature float32       `env:"IDENTIFY_TEMPERATURE,default=0.2" validate:"gte=0,lte=2"`
	Timeout     time.Duration `env:"IDENTIFY_TIMEOUT,default=30s"`
	MaxRetries  int           `env:"IDENTIFY_MAX_RETRIES,default=3" validate:"gte=1"`
}

// ResolveConfig bounds the tool-calling nutrition resolution stage.
type ResolveConfig struct {
	Temperature        float32       `env:"RESOLVE_TEMPERATURE,default=0.0" validate:"gte=0,lte=2"`
	Timeout            time.Duration `env:"RESOLVE_TIMEOUT,default=45s"`
	MaxIterations      int           `env:"RESOLVE_MAX_ITERATIONS,default=5" validate:"gte=1"`
	MaxConcurrentFoods int           `env:"MAX_CONCURRENT_FOODS,default=5" validate:"gte=1"`
	TopN               int           `env:"NUTRITION_TOP_N,default=10" validate:"gte=1"`
}

// USDAConfig configures the FoodData Central client.
type USDAConfig struct {
	APIKeys         string `env:"USDA_API_KEYS,required"`
	BaseURL         string `env:"USDA_BASE_URL,default=https://api.nal.usda.gov/fdc/v1"`
	DefaultPageSize int    `env:"USDA_DEFAULT_PAGE_SIZE,default=25" validate:"gt=0"`
	MaxPageSize     int    `env:"USDA_MAX_PAGE_SIZE,default=100" validate:"gtefield=DefaultPageSize"`
}

// Keys returns the parsed credential pool in rotation order.
func (c USDAConfig) Keys() ([]string, error) {
	return ParseAPIKeys(c.APIKeys)
}

// BedrockConfig configures the Bedrock Converse backend. Decoded only by
// the entrypoints that use it.
type BedrockConfig struct {
	ModelID     string  `env:"MODEL_ID,required"`
	MaxTokens   int32   `env:"MAX_TOKENS,default=1024" validate:"gt=0"`
	Temperature float32 `env:"TEMPERATURE,default=0.2" validate:"gte=0,lte=2"`
	TopP        float32 `env:"TOP_P,default=0.9" validate:"gte=0,lte=1"`
}

// Config aggregates the settings the analyzer entrypoints need.
type Config struct {
	OpenAI   OpenAIConfig
	Identify IdentifyConfig
	Resolve  ResolveConfig
	USDA     USDAConfig
}

// Load decodes the analyzer configuration from the environment and checks
// its bounds.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ParseAPIKeys accepts either a JSON array of key strings or a single bare
// key and returns the non-empty keys in order.
func ParseAPIKeys(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("no API keys configured")
	}
	if strings.HasPrefix(raw, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse API key list: %w", err)
		}
		keys := make([]string, 0, len(parsed))
		for _, k := range parsed {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("API key list is empty")
		}
		return keys, nil
	}
	return []string{raw}, nil
}
