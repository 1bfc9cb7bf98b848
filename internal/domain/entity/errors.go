package entity

import "fmt"

// ConfigurationError reports an invalid option. It is fatal before any video is processed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// ModelLoadError is fatal: a run never degrades to fewer models than configured.
type ModelLoadError struct {
	Model ModelKind
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// DetectionError is recovered per frame.
type DetectionError struct {
	Model ModelKind
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect with %s: %v", e.Model, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// DecodeError marks a single sampled frame that could not be decoded.
type DecodeError struct {
	FrameIndex int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.FrameIndex, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
