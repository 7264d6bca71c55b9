// Package model defines the provider agnostic abstractions for inference
// backends used by the agent runner.
//
// Providers (OpenAI compatible endpoints, Anthropic) implement the Model
// interface in sub-packages. A Registry routes "provider/model" references to
// them, and ScriptedModel offers a deterministic backend for tests, demos and
// servers started without credentials.
package model
