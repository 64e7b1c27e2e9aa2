// Package errs defines the error taxonomy shared by the feature store, the
// similarity engine and the analysis pipeline.
//
// Every error carries a machine-readable Code ("area.op.reason") and wraps one
// of the sentinel values below, so callers can use either errors.Is or the
// code helpers.
package errs

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Sentinels.
var (
	ErrDimensionMismatch   = stderrors.New("dimension mismatch")
	ErrDuplicateIdentifier = stderrors.New("duplicate identifier")
	ErrNotFound            = stderrors.New("not found")
	ErrEmptyStore          = stderrors.New("empty store")
	ErrStoreInconsistency  = stderrors.New("store inconsistency")
	ErrCorruptState        = stderrors.New("corrupt state")
	ErrInvalidInput        = stderrors.New("invalid input")
	ErrExternalService     = stderrors.New("external service error")
	ErrEmbeddingFailure    = fmt.Errorf("embedding failure: %w", ErrExternalService)
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeFeatureDimensionMismatch Code = "store.feature.append.dimension_mismatch"
	CodeFeatureInvalid           Code = "store.feature.append.invalid_input"
	CodeCatalogDuplicate         Code = "store.catalog.put.conflict"
	CodeCatalogNotFound          Code = "store.catalog.get.not_found"
	CodeRecordInvalid            Code = "store.record.validate.invalid_input"
	CodeStoreInconsistent        Code = "store.consistency.inconsistent"
	CodeStoreCorrupt             Code = "store.load.corrupt"
	CodeStoreWriteFailure        Code = "store.commit.write.failure"

	CodeQueryEmptyStore        Code = "query.similar.empty_store"
	CodeQueryDimensionMismatch Code = "query.similar.dimension_mismatch"
	CodeQueryInvalid           Code = "query.similar.invalid_input"

	CodeIndexBuildFailure Code = "index.build.failure"

	CodeEmbeddingUpstreamFailure Code = "embedding.upstream.failure"
	CodeProviderUpstreamFailure  Code = "provider.upstream.failure"
	CodeProviderTimeout          Code = "provider.call.timeout"

	CodeReportNotFound Code = "report.get.not_found"
)

// DimensionMismatch reports a vector whose length differs from the store dimension.
func DimensionMismatch(code Code, expected, actual int) error {
	return oops.Code(code).
		With("expected", expected, "actual", actual).
		Wrapf(ErrDimensionMismatch, "vector has %d components, store dimension is %d", actual, expected)
}

// Duplicate reports an identifier that is already present.
func Duplicate(id string) error {
	return oops.Code(CodeCatalogDuplicate).
		With("id", id).
		Wrapf(ErrDuplicateIdentifier, "artwork %q already exists", id)
}

// NotFound reports a missing identifier.
func NotFound(code Code, id string) error {
	return oops.Code(code).
		With("id", id).
		Wrapf(ErrNotFound, "%q", id)
}

// EmptyStore reports a query issued before anything was ingested.
func EmptyStore() error {
	return oops.Code(CodeQueryEmptyStore).Wrapf(ErrEmptyStore, "no artworks have been ingested")
}

// Inconsistent reports a divergence between the feature store and the catalog.
func Inconsistent(format string, args ...any) error {
	return oops.Code(CodeStoreInconsistent).Wrapf(ErrStoreInconsistency, format, args...)
}

// Corrupt reports a persisted file that cannot be parsed. The file path is part
// of the message so startup failures name the offending file.
func Corrupt(path string, format string, args ...any) error {
	return oops.Code(CodeStoreCorrupt).
		With("path", path).
		Wrapf(ErrCorruptState, "%s: %s", path, fmt.Sprintf(format, args...))
}

// Invalid reports malformed caller input.
func Invalid(code Code, format string, args ...any) error {
	return oops.Code(code).Wrapf(ErrInvalidInput, format, args...)
}

// External reports a failed call to a metadata provider.
func External(provider string, err error) error {
	if err == nil {
		return nil
	}
	return oops.Code(CodeProviderUpstreamFailure).
		With("provider", provider).
		Wrapf(stderrors.Join(ErrExternalService, err), "provider %s", provider)
}

// Timeout reports a provider call that ran out of time.
func Timeout(provider string, err error) error {
	if err == nil {
		return nil
	}
	return oops.Code(CodeProviderTimeout).
		With("provider", provider).
		Wrapf(stderrors.Join(ErrExternalService, err), "provider %s timed out", provider)
}

// Embedding reports a failed feature extraction.
func Embedding(err error) error {
	if err == nil {
		return nil
	}
	return oops.Code(CodeEmbeddingUpstreamFailure).Wrapf(stderrors.Join(ErrEmbeddingFailure, err), "extract embedding")
}

// Wrap attaches a code to err, keeping the chain intact.
func Wrap(err error, code Code, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(kv...).Wrapf(err, "%s", msg)
}

// CodeOf returns the outermost code attached to err, or "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

// FieldsOf returns the structured context attached to err.
func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func reason(code Code) string {
	s := string(code)
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound) || reason(CodeOf(err)) == "not_found"
}

// IsInvalidInput reports whether err was caused by bad caller input.
func IsInvalidInput(err error) bool {
	if stderrors.Is(err, ErrInvalidInput) || stderrors.Is(err, ErrDimensionMismatch) {
		return true
	}
	r := reason(CodeOf(err))
	return r == "invalid_input" || r == "dimension_mismatch"
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case stderrors.Is(err, ErrDuplicateIdentifier), stderrors.Is(err, ErrEmptyStore):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case reason(CodeOf(err)) == "timeout":
		return http.StatusGatewayTimeout
	case stderrors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
