package ai

import "slices"

// Provider names a model backend family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	_, ok := defaultModels[p]
	return ok
}

// modelProviders routes every supported model identifier to its backend.
var modelProviders = map[string]Provider{
	"gpt-4.1":                  ProviderOpenAI,
	"gpt-4.1-mini":             ProviderOpenAI,
	"gpt-4o":                   ProviderOpenAI,
	"gpt-4o-mini":              ProviderOpenAI,
	"claude-sonnet-4-20250514": ProviderAnthropic,
	"claude-3-7-sonnet-latest": ProviderAnthropic,
	"claude-3-5-haiku-latest":  ProviderAnthropic,
	"gemini-2.5-pro":           ProviderGemini,
	"gemini-2.5-flash":         ProviderGemini,
	"gemini-2.0-flash":         ProviderGemini,
}

// defaultModels lists each provider's models in fixed priority order.
var defaultModels = map[Provider][]string{
	ProviderOpenAI:    {"gpt-4.1", "gpt-4o", "gpt-4o-mini"},
	ProviderAnthropic: {"claude-sonnet-4-20250514", "claude-3-7-sonnet-latest", "claude-3-5-haiku-latest"},
	ProviderGemini:    {"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"},
}

// Providers lists the known providers in a stable order.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// LookupModel returns the provider serving model.
func LookupModel(model string) (Provider, bool) {
	p, ok := modelProviders[model]
	return p, ok
}

// DefaultModels returns a copy of the provider's fallback chain.
func DefaultModels(p Provider) []string {
	return slices.Clone(defaultModels[p])
}

// candidates builds the ordered model list for one request. A recognized,
// non-default preferred model goes first regardless of its provider.
func candidates(p Provider, preferred string) []string {
	chain := DefaultModels(p)
	if preferred == "" || (len(chain) > 0 && chain[0] == preferred) {
		return chain
	}
	if _, ok := LookupModel(preferred); !ok {
		return chain
	}
	out := make([]string, 0, len(chain)+1)
	out = append(out, preferred)
	for _, m := range chain {
		if m != preferred {
			out = append(out, m)
		}
	}
	return out
}
