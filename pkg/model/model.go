// Package model defines the contract for language model clients.
package model

import (
	"context"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
)

// Message is a complete model reply.
type Message struct {
	// Text is any prose the model produced alongside (or instead of) calls.
	Text string
	// ThoughtSignature is an opaque signature for the model's internal state
	// attached to the text part.
	ThoughtSignature []byte
	// Calls are the functions the model asked to invoke, in order.
	Calls []domain.FunctionCall
}

// Provider represents a service that provides LLMs.
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Stream sends the materialized transcript and the function declarations
	// to the model and returns a stream of its reply.
	Stream(ctx context.Context, modelName string, entries []domain.Entry, functions []function.Declaration) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the complete response is available and returns it.
	FullMessage() (Message, error)

	// Close releases resources associated with this stream.
	Close() error
}
