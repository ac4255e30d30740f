// Package providers contains the built-in LLM provider adapters and
// registers them with the default registry. Importing this package makes
// the anthropic, openai, gemini, and local providers available by name.
package providers

import "github.com/tombee/parley/pkg/llm"

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.Config) (llm.Provider, error) {
		return NewAnthropicProvider(cfg)
	})
	llm.RegisterFactory("openai", func(cfg llm.Config) (llm.Provider, error) {
		return NewOpenAIProvider(cfg)
	})
	llm.RegisterFactory("gemini", func(cfg llm.Config) (llm.Provider, error) {
		return NewGeminiProvider(cfg)
	})
	llm.RegisterFactory("local", func(cfg llm.Config) (llm.Provider, error) {
		return NewLocalProvider(cfg)
	})
}
