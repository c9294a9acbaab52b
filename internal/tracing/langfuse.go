// Package tracing wires the optional Langfuse observability callback into the
// eino model calls made during an ask: the agent loop's generations and tool
// dispatches show up as one trace per question.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// defaultHost targets a locally running Langfuse instance.
const defaultHost = "http://localhost:3000"

// Config carries the Langfuse connection settings.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// FromEnv reads the LANGFUSE_* variables. Tracing stays off unless both keys
// are present.
func FromEnv() Config {
	return Config{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Enabled reports whether the config is complete enough to trace.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Setup builds the Langfuse callback handler from the environment. The flush
// function must run before process exit or the tail of the trace is lost.
// When tracing is not configured the third return value is false and the
// caller skips registration.
func Setup() (callbacks.Handler, func(), bool) {
	cfg := FromEnv()
	if !cfg.Enabled() {
		return nil, nil, false
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}

	handler, flush := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
	})
	return handler, flush, true
}
