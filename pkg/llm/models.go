package llm

// ModelInfo describes a specific model's capabilities and pricing.
type ModelInfo struct {
	// ID is the provider-specific model identifier (e.g., "claude-sonnet-4-20250514").
	ID string

	// Name is the human-readable model name.
	Name string

	// MaxTokens is the maximum context window size in tokens.
	MaxTokens int

	// InputPricePerMillion is the cost in USD per million input tokens.
	InputPricePerMillion float64

	// OutputPricePerMillion is the cost in USD per million output tokens.
	OutputPricePerMillion float64

	// SupportsTools indicates whether this model can use function calling.
	SupportsTools bool
}

// GetModelByID returns the model with the specified ID.
// Returns nil if no model matches the ID.
func GetModelByID(models []ModelInfo, id string) *ModelInfo {
	for i := range models {
		if models[i].ID == id {
			return &models[i]
		}
	}
	return nil
}

// CostFor computes the linear USD cost for the given token counts against a
// model table, falling back to the supplied default pricing when the model
// is unrecognized. Zero tokens always cost zero.
func CostFor(models []ModelInfo, modelID string, fallback ModelInfo, inputTokens, outputTokens int) float64 {
	pricing := GetModelByID(models, modelID)
	if pricing == nil {
		pricing = &fallback
	}

	inputCost := float64(inputTokens) / 1_000_000 * pricing.InputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * pricing.OutputPricePerMillion
	return inputCost + outputCost
}
