// Package docstore keeps record document bodies in versioned blob storage
// and hands every write back with the capability to reverse it. The graph
// write runs after the blob write; when the graph write fails, the captured
// undo restores the blob state.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/lattice-hq/lattice/internal/storage"
	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
)

// Body is a record's document payload.
type Body map[string]any

// Result is the outcome of one docstore write. Version is empty when no
// write happened. An IsZero undo means there is nothing to compensate.
type Result struct {
	Version string
	Body    Body
	Undo    Undo

	// Changed lists the keys whose stored value actually differs after the
	// write, sorted. Empty on a no-op.
	Changed []string
}

// MergeResult is the outcome of merging one record's document into another.
type MergeResult struct {
	Version        string
	SiblingVersion string
	Body           Body
	Undo           Undo
}

// Store is the compensation layer over the versioned blob backend.
type Store struct {
	objects storage.ObjectAPI
	log     *slog.Logger
}

// NewStore creates a document store.
func NewStore(objects storage.ObjectAPI, log *slog.Logger) *Store {
	return &Store{
		objects: objects,
		log:     log.With(logger.Scope("docstore")),
	}
}

func objectKey(recordType, code string) string {
	return fmt.Sprintf("%s/%s.json", strings.ToLower(recordType), code)
}

// Get returns the current document body, or an empty body when the record
// has none. Only transport errors are returned.
func (s *Store) Get(ctx context.Context, recordType, code string) (Body, error) {
	raw, _, err := s.objects.GetObject(ctx, objectKey(recordType, code))
	if err != nil {
		if err == storage.ErrObjectNotFound {
			return Body{}, nil
		}
		return nil, apperror.ErrBlobBackend.WithInternal(err)
	}

	var body Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apperror.ErrBlobBackend.WithMessage("stored document is not valid JSON").WithInternal(err)
	}
	return body, nil
}

// Create writes a fresh document body. The undo deletes the created version.
func (s *Store) Create(ctx context.Context, recordType, code string, body Body) (Result, error) {
	key := objectKey(recordType, code)

	version, err := s.put(ctx, key, body)
	if err != nil {
		s.logOp("document_create_failed", recordType, code, err)
		return Result{}, err
	}

	s.logOp("document_created", recordType, code, nil)
	return Result{
		Version: version,
		Body:    body,
		Undo:    undoDelete(key, version),
	}, nil
}

// Patch merges partial into the current body and writes the result. When the
// structural diff is empty the current body is returned with no version and
// no undo; nothing is written.
func (s *Store) Patch(ctx context.Context, recordType, code string, partial Body) (Result, error) {
	current, err := s.Get(ctx, recordType, code)
	if err != nil {
		return Result{}, err
	}

	diff := diffBodies(partial, current)
	if len(diff) == 0 {
		return Result{Body: current}, nil
	}

	merged := Body{}
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}

	key := objectKey(recordType, code)
	version, err := s.put(ctx, key, merged)
	if err != nil {
		s.logOp("document_patch_failed", recordType, code, err)
		return Result{}, err
	}

	s.logOp("document_patched", recordType, code, nil)
	return Result{
		Version: version,
		Body:    merged,
		Undo:    undoDelete(key, version),
		Changed: changedKeys(diff),
	}, nil
}

// Delete removes the document. The returned undo deletes the delete marker,
// restoring the prior version. Backend failure is not an error: the result
// carries no version and no undo, and the caller proceeds with nothing to
// compensate.
func (s *Store) Delete(ctx context.Context, recordType, code string) (Result, error) {
	key := objectKey(recordType, code)

	marker, err := s.objects.DeleteObject(ctx, key)
	if err != nil {
		s.logOp("document_delete_failed", recordType, code, err)
		return Result{}, nil
	}

	s.logOp("document_deleted", recordType, code, nil)
	return Result{
		Version: marker,
		Undo:    undoDelete(key, marker),
	}, nil
}

// Merge folds fromCode's document into toCode's. No-op when from has no
// body. The undo reverses both legs: it removes to's new version and
// restores from's original body. When only the delete leg ran, the undo
// restores from alone.
func (s *Store) Merge(ctx context.Context, recordType, fromCode, toCode string) (MergeResult, error) {
	fromKey := objectKey(recordType, fromCode)

	fromBody, err := s.Get(ctx, recordType, fromCode)
	if err != nil {
		return MergeResult{}, err
	}
	if len(fromBody) == 0 {
		return MergeResult{}, nil
	}

	toBody, err := s.Get(ctx, recordType, toCode)
	if err != nil {
		return MergeResult{}, err
	}

	diff := diffBodies(fromBody, toBody)

	fromRaw, err := json.Marshal(fromBody)
	if err != nil {
		return MergeResult{}, apperror.ErrBlobBackend.WithInternal(err)
	}

	marker, err := s.objects.DeleteObject(ctx, fromKey)
	if err != nil {
		s.logOp("document_merge_failed", recordType, fromCode, err)
		return MergeResult{}, apperror.ErrBlobBackend.WithInternal(err)
	}

	result := MergeResult{
		SiblingVersion: marker,
		Body:           toBody,
		Undo:           undoDelete(fromKey, marker),
	}

	if len(diff) == 0 {
		s.logOp("document_merged", recordType, toCode, nil)
		return result, nil
	}

	merged := Body{}
	for k, v := range toBody {
		merged[k] = v
	}
	for k, v := range fromBody {
		merged[k] = v
	}

	toKey := objectKey(recordType, toCode)
	version, err := s.put(ctx, toKey, merged)
	if err != nil {
		// the delete leg already ran; hand back the sibling-only undo so
		// from's body can still be restored
		s.logOp("document_merge_failed", recordType, toCode, err)
		result.Undo = undoRestore(fromKey, fromRaw)
		return result, apperror.ErrBlobBackend.WithInternal(err)
	}

	s.logOp("document_merged", recordType, toCode, nil)
	result.Version = version
	result.Body = merged
	result.Undo = combine(undoRestore(fromKey, fromRaw), undoDelete(toKey, version))
	return result, nil
}

// Apply executes an undo, best effort. Versions the backend already rejects
// are skipped; remaining steps still run. The first hard error is returned
// after all steps were attempted.
func (s *Store) Apply(ctx context.Context, u Undo) error {
	var firstErr error
	for _, step := range u.steps {
		var err error
		switch step.kind {
		case undoDeleteVersion:
			err = s.objects.DeleteVersion(ctx, step.key, step.version)
		case undoRestoreBody:
			_, err = s.objects.PutObject(ctx, step.key, step.body)
		}
		if err != nil {
			s.log.Error("compensation step failed",
				slog.String("key", step.key),
				logger.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Store) put(ctx context.Context, key string, body Body) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", apperror.ErrBlobBackend.WithInternal(err)
	}
	version, err := s.objects.PutObject(ctx, key, raw)
	if err != nil {
		return "", apperror.ErrBlobBackend.WithInternal(err)
	}
	return version, nil
}

func (s *Store) logOp(tag, recordType, code string, err error) {
	attrs := []any{
		slog.String("type", recordType),
		slog.String("code", code),
	}
	if err != nil {
		attrs = append(attrs, logger.Error(err))
		s.log.Error(tag, attrs...)
		return
	}
	s.log.Info(tag, attrs...)
}

// diffBodies returns the keys of incoming whose values differ from current.
func diffBodies(incoming, current Body) map[string]any {
	diff := map[string]any{}
	for k, v := range incoming {
		if existing, ok := current[k]; !ok || !reflect.DeepEqual(existing, v) {
			diff[k] = v
		}
	}
	return diff
}

func changedKeys(diff map[string]any) []string {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
