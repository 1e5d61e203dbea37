package statesync

import (
	"context"
	"log/slog"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/schema"
)

// DocumentStore is the remote side of the engine: the only way the engine
// reads and mutates the authoritative document and its named caches.
// *httpstore.Client implements it.
type DocumentStore interface {
	FetchState(ctx context.Context) (document.Document, error)
	ReplaceState(ctx context.Context, doc any) error
	UpdatePath(ctx context.Context, p docpath.Path, fragment any) error
	DeletePath(ctx context.Context, p docpath.Path) error
	DeleteAllMatching(ctx context.Context, value string) error
	Undo(ctx context.Context) error
	Redo(ctx context.Context) error
	FetchNamedCache(ctx context.Context, name string) (any, error)
}

// SchemaValidator is the part of *schema.Validator the engine uses.
type SchemaValidator interface {
	Validate(ctx context.Context, schemaID, def string, data any) (schema.ErrorList, error)
	CheckVersion(ctx context.Context, schemaID, expected string) error
}

// ValidatingStore is a DocumentStore decorator that rejects fetched state
// documents failing schema validation. All other operations pass through;
// caches are not validated.
type ValidatingStore struct {
	DocumentStore
	validator  SchemaValidator
	schemaID   string
	definition string
	logger     *slog.Logger
}

// NewValidatingStore wraps store. definition names the sub-schema the whole
// document must satisfy; empty means the schema root.
func NewValidatingStore(store DocumentStore, validator SchemaValidator, schemaID, definition string, logger *slog.Logger) *ValidatingStore {
	if logger == nil {
		logger = logging.WithComponent("statesync").Logger
	}
	return &ValidatingStore{
		DocumentStore: store,
		validator:     validator,
		schemaID:      schemaID,
		definition:    definition,
		logger:        logger,
	}
}

// FetchState fetches the document and validates it before returning it.
func (s *ValidatingStore) FetchState(ctx context.Context) (document.Document, error) {
	doc, err := s.DocumentStore.FetchState(ctx)
	if err != nil {
		return nil, err
	}
	errs, err := s.validator.Validate(ctx, s.schemaID, s.definition, doc.Tree())
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		s.logger.Warn("fetched state rejected by schema",
			slog.String("schema_id", s.schemaID),
			slog.Int("errors", len(errs)),
			slog.String("first", errs[0].Location+": "+errs[0].Message))
		return nil, syncErrors.E(
			syncErrors.OpFetchState,
			syncErrors.Component("statesync"),
			syncErrors.NewValidationError(syncErrors.OpValidate, errs),
		)
	}
	return doc, nil
}
