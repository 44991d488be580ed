package virtualzarr

import "errors"

var (
	// ErrCatalogUnavailable indicates the catalog transport exhausted its
	// retry budget without a successful response.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrMetadataIncomplete indicates no transport exposes the variable
	// layout for a dataset, so the store cannot be opened.
	ErrMetadataIncomplete = errors.New("dataset metadata incomplete")

	// ErrChunkUnresolvable indicates no transport yielded bytes for a
	// requested chunk.
	ErrChunkUnresolvable = errors.New("chunk unresolvable")

	// ErrInvalidTimeWindow indicates a requested window does not intersect
	// the dataset's temporal coverage.
	ErrInvalidTimeWindow = errors.New("invalid time window")

	// ErrChunkPlanInfeasible indicates no serving chunk shape satisfies the
	// configured size bounds.
	ErrChunkPlanInfeasible = errors.New("no feasible chunk plan")

	// ErrReadOnly is returned by all mutation entry points of the store.
	ErrReadOnly = errors.New("store is read-only")

	// ErrNotFound is returned when a store key does not exist.
	ErrNotFound = errors.New("not found")
)
