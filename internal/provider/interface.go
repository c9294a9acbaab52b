// Package provider selects and constructs LLM backend implementations at
// runtime. Supported backends: Ollama, OpenAI, Azure OpenAI, Ark, Google
// Gemini. It also resolves each backend's capability record so the agent
// knows whether native tool calling is available.
package provider

import (
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendArk selects the Volcano Engine Ark runtime.
	BackendArk Backend = "ark"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds Ollama-specific settings.
type ProviderOllama struct {
	// Host is the Ollama server base URL.
	Host string
	// Model is the model name (e.g. "llama3.1").
	Model string
}

// ProviderOpenAI holds OpenAI-specific settings.
type ProviderOpenAI struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the model name (e.g. "gpt-4o").
	Model string
}

// ProviderAzureOpenAI holds Azure OpenAI Service settings.
type ProviderAzureOpenAI struct {
	// APIKey is the Azure OpenAI key.
	APIKey string
	// Endpoint is the resource endpoint URL.
	Endpoint string
	// Deployment is the deployment name.
	Deployment string
	// APIVersion is the REST API version (e.g. "2024-02-01").
	APIVersion string
}

// ProviderArk holds Volcano Engine Ark settings.
type ProviderArk struct {
	// APIKey is the Ark API key.
	APIKey string
	// Model is the endpoint or model ID.
	Model string
	// BaseURL overrides the default Ark endpoint.
	BaseURL string
}

// ProviderGemini holds Google Gemini settings.
type ProviderGemini struct {
	// APIKey is the AI Studio API key.
	APIKey string
	// Model is the model name (e.g. "gemini-1.5-pro").
	Model string
}

// SharedTuning holds generation parameters common to all backends.
type SharedTuning struct {
	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32
}

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Ark         ProviderArk
	Gemini      ProviderGemini

	// Tuning holds shared generation parameters.
	Tuning SharedTuning
}

// Validate checks that the selected backend has its required fields set, so
// callers get a clear error at startup rather than on the first request.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Ollama.Model == "" {
			return fmt.Errorf("provider: ollama backend requires OLLAMA_MODEL")
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("provider: openai backend requires OPENAI_API_KEY")
		}
		if c.OpenAI.Model == "" {
			return fmt.Errorf("provider: openai backend requires OPENAI_MODEL")
		}
	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return fmt.Errorf("provider: azure backend requires AZURE_OPENAI_API_KEY")
		}
		if c.AzureOpenAI.Endpoint == "" {
			return fmt.Errorf("provider: azure backend requires AZURE_OPENAI_ENDPOINT")
		}
		if c.AzureOpenAI.Deployment == "" {
			return fmt.Errorf("provider: azure backend requires AZURE_OPENAI_DEPLOYMENT")
		}
	case BackendArk:
		if c.Ark.APIKey == "" {
			return fmt.Errorf("provider: ark backend requires ARK_API_KEY")
		}
		if c.Ark.Model == "" {
			return fmt.Errorf("provider: ark backend requires ARK_MODEL")
		}
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("provider: gemini backend requires GOOGLE_API_KEY")
		}
		if c.Gemini.Model == "" {
			return fmt.Errorf("provider: gemini backend requires GEMINI_MODEL")
		}
	default:
		return fmt.Errorf("provider: unknown backend %q — valid values: ollama, openai, azure, ark, gemini", c.Backend)
	}
	return nil
}

// ModelName returns the model identifier for the selected backend.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendArk:
		return c.Ark.Model
	case BackendGemini:
		return c.Gemini.Model
	default:
		return ""
	}
}

// Capability describes what the resolved model can do. The agent uses it to
// decide between native tool calling and the prompt-only fallback.
type Capability struct {
	// SupportsTools is true when the model handles tool/function calls.
	SupportsTools bool
}

// toollessOllamaModels are Ollama model families that do not implement tool
// calling. Anything else served by Ollama is assumed tool-capable.
var toollessOllamaModels = []string{
	"llama2",
	"llama-2",
	"gemma",
	"phi",
	"vicuna",
	"tinyllama",
	"codellama",
}

// Capabilities resolves the capability record for the configured backend and
// model. The hosted APIs all support tool calling; for Ollama it depends on
// the model family.
func (c *Config) Capabilities() Capability {
	if c.Backend != BackendOllama {
		return Capability{SupportsTools: true}
	}
	lower := strings.ToLower(c.Ollama.Model)
	for _, fam := range toollessOllamaModels {
		if strings.Contains(lower, fam) {
			return Capability{SupportsTools: false}
		}
	}
	return Capability{SupportsTools: true}
}
