package anima

import "github.com/corpusvoice/anima/apierr"

// Error kinds, forming the external-facing error taxonomy. Defined in
// apierr so leaf packages (parser, store) can return these sentinels
// without importing this root package.
const (
	KindNotAuthorized    = apierr.KindNotAuthorized
	KindNotFound         = apierr.KindNotFound
	KindUnsupportedFmt   = apierr.KindUnsupportedFmt
	KindParseFailure     = apierr.KindParseFailure
	KindEmbeddingFailure = apierr.KindEmbeddingFailure
	KindIndexUnavailable = apierr.KindIndexUnavailable
	KindToolTimeout      = apierr.KindToolTimeout
	KindModelTimeout     = apierr.KindModelTimeout
	KindToolExhaustion   = apierr.KindToolExhaustion
	KindIterationCap     = apierr.KindIterationCap
	KindValidationError  = apierr.KindValidationError
	KindCanceled         = apierr.KindCanceled
)

// Error is the structured shape every API-facing error carries: a
// kind, a message, and optional details.
type Error = apierr.Error

// NewError builds an *Error, the sole constructor components should use
// when surfacing a failure across the package boundary.
func NewError(kind, message string, details map[string]any) *Error {
	return apierr.New(kind, message, details)
}

var (
	// ErrPersonaNotFound is returned when a persona id does not exist.
	ErrPersonaNotFound = apierr.ErrPersonaNotFound

	// ErrDocumentNotFound is returned when a document id does not exist.
	ErrDocumentNotFound = apierr.ErrDocumentNotFound

	// ErrNotAuthorized is returned when a caller does not own a persona.
	ErrNotAuthorized = apierr.ErrNotAuthorized

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = apierr.ErrUnsupportedFormat

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = apierr.ErrParsingFailed

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = apierr.ErrEmbeddingFailed

	// ErrLLMUnavailable is returned when the LLM provider is unreachable.
	ErrLLMUnavailable = apierr.ErrLLMUnavailable

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = apierr.ErrLLMRequestFailed

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = apierr.ErrStoreClosed

	// ErrIndexUnavailable is returned when a collection partition is
	// missing or corrupt.
	ErrIndexUnavailable = apierr.ErrIndexUnavailable

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = apierr.ErrInvalidConfig

	// ErrEmptyDraft is returned when analysis is requested on empty content.
	ErrEmptyDraft = apierr.ErrEmptyDraft

	// ErrToolExhaustion is returned after three consecutive tool failures
	// in a single AgentLoop run.
	ErrToolExhaustion = apierr.ErrToolExhaustion

	// ErrIterationCap is returned when the AgentLoop exceeds its bound
	// without finalizing and no items could be salvaged.
	ErrIterationCap = apierr.ErrIterationCap

	// ErrValidationFailed is returned when model output fails schema
	// validation after all recovery attempts and zero items parsed.
	ErrValidationFailed = apierr.ErrValidationFailed

	// ErrCanceled is returned when the client severed the transport.
	ErrCanceled = apierr.ErrCanceled
)
