package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from DocumentStatus
		to   DocumentStatus
		want bool
	}{
		{StatusUploading, StatusExtracting, true},
		{StatusExtracting, StatusChunking, true},
		{StatusChunking, StatusEmbedding, true},
		{StatusEmbedding, StatusReady, true},
		{StatusUploading, StatusReady, true},
		{StatusUploading, StatusFailed, true},
		{StatusEmbedding, StatusFailed, true},

		{StatusChunking, StatusExtracting, false},
		{StatusReady, StatusEmbedding, false},
		{StatusReady, StatusFailed, false},
		{StatusFailed, StatusUploading, false},
		{StatusFailed, StatusFailed, false},
		{StatusExtracting, StatusExtracting, false},
		{DocumentStatus("bogus"), StatusReady, false},
		{StatusUploading, DocumentStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEmbeddingErrorWrapping(t *testing.T) {
	inner := errors.New("provider unavailable")
	err := &EmbeddingError{Index: 3, Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "3")
}

func TestExhaustedError(t *testing.T) {
	err := &ExhaustedError{Errors: []ProviderError{
		{Provider: "ollama", Err: errors.New("connection refused")},
		{Provider: "openai", Err: errors.New("rate limited")},
	}}

	assert.True(t, IsExhausted(err))
	assert.True(t, IsExhausted(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsExhausted(errors.New("something else")))

	msg := err.Error()
	assert.Contains(t, msg, "ollama")
	assert.Contains(t, msg, "openai")
}
