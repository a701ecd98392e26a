package ddi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/brunobiangulo/ddi/resolver"
)

var (
	// ErrNotFound is returned when a name resolves to nothing in any store
	// or resolver. Query reports it as an "insufficient" result instead.
	ErrNotFound = errors.New("ddi: not found")

	// ErrResolver marks a failure inside one external resolver. Query
	// contains these; they surface only in resolver reports.
	ErrResolver = resolver.ErrFailed

	// ErrStoreUnavailable is returned when a persistence backend cannot be
	// reached. Reads degrade to an empty store and writes are logged.
	ErrStoreUnavailable = errors.New("ddi: store unavailable")

	// ErrAmbiguousName is returned when fuzzy matching finds several
	// equally plausible drugs.
	ErrAmbiguousName = errors.New("ddi: ambiguous drug name")

	// ErrInvalidQuery is returned for requests without a usable drug name.
	ErrInvalidQuery = errors.New("ddi: invalid query")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("ddi: invalid configuration")

	// ErrStoreClosed is returned when operating on a closed engine.
	ErrStoreClosed = errors.New("ddi: store is closed")
)

// ResolverError carries the name of the failing resolver.
type ResolverError = resolver.Error

// AmbiguousNameError lists the candidates a query could mean.
type AmbiguousNameError struct {
	Query      string
	Candidates []string
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("ddi: ambiguous drug name %q: %s", e.Query, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousNameError) Unwrap() error { return ErrAmbiguousName }
