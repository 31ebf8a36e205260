package model

// OpenAIModels lists the OpenAI chat models.
var OpenAIModels = []Model{
	{ID: "gpt-4o", Name: "GPT-4o", Capabilities: []string{"vision"}},
	{ID: "o4-mini", Name: "o4-mini", Capabilities: []string{"vision", "reasoning"}},
	{ID: "o3", Name: "o3", Capabilities: []string{"vision", "reasoning"}},
	{ID: "o1-pro", Name: "o1-pro", Capabilities: []string{"reasoning"}},
	{ID: "gpt-4.1", Name: "GPT-4.1", Capabilities: []string{"vision"}},
	{ID: "gpt-4.1-mini", Name: "GPT-4.1 mini", Capabilities: []string{"vision"}},
	{ID: "gpt-4.1-nano", Name: "GPT-4.1 nano", Capabilities: []string{"vision"}},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo"},
}

// GeminiModels lists the Google Gemini models.
var GeminiModels = []Model{
	{ID: "gemini-2.5-pro-preview-05-06", Name: "Gemini 2.5 Pro Preview", Capabilities: []string{"vision", "reasoning"}},
	{ID: "gemini-2.5-flash-preview-04-17", Name: "Gemini 2.5 Flash Preview", Capabilities: []string{"vision"}},
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Capabilities: []string{"vision"}},
	{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", Capabilities: []string{"vision"}},
	{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", Capabilities: []string{"vision"}},
	{ID: "gemini-1.0-pro", Name: "Gemini 1.0 Pro"},
}

// ClaudeModels lists the Anthropic Claude models.
var ClaudeModels = []Model{
	{ID: "claude-3.7-sonnet", Name: "Claude 3.7 Sonnet", Capabilities: []string{"vision", "reasoning"}},
	{ID: "claude-3.5-sonnet", Name: "Claude 3.5 Sonnet", Capabilities: []string{"vision"}},
	{ID: "claude-3.5-haiku", Name: "Claude 3.5 Haiku"},
	{ID: "claude-3-opus", Name: "Claude 3 Opus", Capabilities: []string{"vision"}},
	{ID: "claude-3-sonnet", Name: "Claude 3 Sonnet", Capabilities: []string{"vision"}},
	{ID: "claude-3-haiku", Name: "Claude 3 Haiku", Capabilities: []string{"vision"}},
}

// GrokModels lists the xAI Grok models.
var GrokModels = []Model{
	{ID: "grok-1.5", Name: "Grok 1.5", Capabilities: []string{"vision"}},
	{ID: "grok-1", Name: "Grok 1"},
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		ProviderEntry{ID: ProviderOpenAI, Models: OpenAIModels, DefaultModel: "gpt-4o"},
		ProviderEntry{ID: ProviderGemini, Models: GeminiModels, DefaultModel: "gemini-2.5-flash-preview-04-17"},
		ProviderEntry{ID: ProviderClaude, Models: ClaudeModels, DefaultModel: "claude-3.7-sonnet"},
		ProviderEntry{ID: ProviderGrok, Models: GrokModels, DefaultModel: "grok-1.5"},
	)
	if err != nil {
		panic(err)
	}
	return c
}
