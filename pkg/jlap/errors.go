package jlap

import "errors"

var (
	// ErrMalformedLog is returned when a patch log cannot be parsed
	// or its checksum does not match.
	ErrMalformedLog = errors.New("malformed patch log")
	// ErrChainIncomplete is returned when the log has no contiguous
	// chain of patches from the cached document to the latest one.
	ErrChainIncomplete = errors.New("no applicable patch chain")
	// ErrHashMismatch is returned when the patched document does not
	// hash to the value advertised by the log.
	ErrHashMismatch = errors.New("patched document hash mismatch")
	// ErrTooExpensive is returned when applying the patches would
	// transfer more than re-downloading the document.
	ErrTooExpensive = errors.New("patch chain exceeds cost threshold")
)
