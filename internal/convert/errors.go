package convert

import (
	"fmt"
	"time"
)

// ChunkSynthesisError reports that one chunk exhausted every retry attempt.
// It aborts the whole conversion; there is no skip-chunk policy.
type ChunkSynthesisError struct {
	Chunk    int
	Attempts int
	Err      error
}

func (e *ChunkSynthesisError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Chunk, e.Attempts, e.Err)
}

func (e *ChunkSynthesisError) Unwrap() error { return e.Err }

// AssemblyError reports a missing or unreadable temporary artifact during
// final concatenation.
type AssemblyError struct {
	Part string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble %s: %v", e.Part, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// TimeoutError reports that the pipeline missed its wall-clock budget.
// Background work may still be draining when it is returned.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("text-to-speech conversion timed out after %s. Please try with a smaller PDF or check your internet connection.", e.After)
}

// ConversionError wraps any other failure recorded by a completed background
// unit.
type ConversionError struct {
	Err error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("generate mp3: %v", e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }
