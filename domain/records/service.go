package records

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-hq/lattice/domain/docstore"
	"github.com/lattice-hq/lattice/domain/events"
	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/graph"
	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
	"github.com/lattice-hq/lattice/pkg/tracing"
)

// WriteOptions are the caller-controlled knobs of a single write.
type WriteOptions struct {
	Action       Action
	Upsert       bool
	LockFields   []string
	UnlockFields []string
	IncludeRich  bool
}

// Service is the record mutation engine: it reads current state, diffs the
// payload against it, writes the blob side first, then the graph, and
// compensates the blob write when the graph write fails.
type Service struct {
	lookup    schema.Lookup
	executor  graph.Executor
	docs      *docstore.Store
	deriver   *events.Deriver
	publisher events.Publisher
	batchSize int
	log       *slog.Logger
}

// NewService creates the records service.
func NewService(
	lookup schema.Lookup,
	executor graph.Executor,
	docs *docstore.Store,
	deriver *events.Deriver,
	publisher events.Publisher,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return &Service{
		lookup:    lookup,
		executor:  executor,
		docs:      docs,
		deriver:   deriver,
		publisher: publisher,
		batchSize: cfg.Records.RelationshipBatchSize,
		log:       log.With(logger.Scope("records")),
	}
}

// Get reads one record. Document-typed properties are loaded from the blob
// store and merged into the property map.
func (s *Service) Get(ctx context.Context, typeName, code string, includeRich bool) (*RecordView, error) {
	def, err := s.lookup.GetType(typeName)
	if err != nil {
		return nil, err
	}

	state, err := s.fetch(ctx, def, code)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperror.NewNotFound(def.Name, code)
	}

	return s.view(ctx, def, state, includeRich)
}

// Create writes a new record: blob first, graph second, blob undone when the
// graph write fails.
func (s *Service) Create(ctx context.Context, wctx WriteContext, typeName, code string, body map[string]any, opts WriteOptions) (*RecordView, error) {
	ctx, span := tracing.Start(ctx, "records.create",
		attribute.String("lattice.record.type", typeName),
		attribute.String("lattice.record.code", code),
	)
	defer span.End()

	def, err := s.lookup.GetType(typeName)
	if err != nil {
		return nil, err
	}

	payload, err := normalizePayload(def, body)
	if err != nil {
		return nil, err
	}
	if len(payload.Deletes) > 0 || len(payload.DeleteAll) > 0 {
		return nil, apperror.ErrInvalidRequest.WithMessage("cannot delete relationships while creating a record")
	}

	existing, err := s.fetch(ctx, def, code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperror.ErrConflict.WithMessagef("%s '%s' already exists", def.Name, code)
	}

	diff, err := diffRelationships(def, nil, payload, ActionMerge)
	if err != nil {
		return nil, err
	}

	plan, err := buildMutation(s.lookup, s.batchSize, BuildInput{
		Def:        def,
		Code:       code,
		Ctx:        wctx,
		PropDiff:   payload.Properties,
		RelDiff:    diff,
		Touched:    payloadFieldNames(payload),
		Create:     true,
		Upsert:     opts.Upsert,
		LockFields: opts.LockFields,
	})
	if err != nil {
		return nil, err
	}

	if err := s.runPreflights(ctx, plan); err != nil {
		return nil, err
	}

	var undo docstore.Undo
	if len(payload.Documents) > 0 {
		res, err := s.docs.Create(ctx, def.Name, code, payload.Documents)
		if err != nil {
			return nil, err
		}
		undo = res.Undo
	}

	if err := s.executePlan(ctx, def, plan); err != nil {
		s.compensate(ctx, undo)
		return nil, err
	}

	changed := append(sortedKeys(payload.Properties), sortedKeys(payload.Documents)...)
	return s.finish(ctx, wctx, def, code, events.ActionCreate, changed, diff, opts.IncludeRich)
}

// Patch applies a partial update. A payload that changes nothing performs no
// graph write and stamps no provenance.
func (s *Service) Patch(ctx context.Context, wctx WriteContext, typeName, code string, body map[string]any, opts WriteOptions) (*RecordView, error) {
	ctx, span := tracing.Start(ctx, "records.patch",
		attribute.String("lattice.record.type", typeName),
		attribute.String("lattice.record.code", code),
	)
	defer span.End()

	def, err := s.lookup.GetType(typeName)
	if err != nil {
		return nil, err
	}

	payload, err := normalizePayload(def, body)
	if err != nil {
		return nil, err
	}

	existing, err := s.fetch(ctx, def, code)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperror.NewNotFound(def.Name, code)
	}

	action := opts.Action
	if action == "" {
		action = ActionMerge
	}

	diff, err := diffRelationships(def, existing, payload, action)
	if err != nil {
		return nil, err
	}
	propDiff := diffProperties(existing, payload.Properties)

	plan, err := buildMutation(s.lookup, s.batchSize, BuildInput{
		Def:          def,
		Code:         code,
		Ctx:          wctx,
		PropDiff:     propDiff,
		RelDiff:      diff,
		Touched:      payloadFieldNames(payload),
		Existing:     existing,
		Upsert:       opts.Upsert,
		LockFields:   opts.LockFields,
		UnlockFields: opts.UnlockFields,
	})
	if err != nil {
		return nil, err
	}

	if err := s.runPreflights(ctx, plan); err != nil {
		return nil, err
	}

	var undo docstore.Undo
	var docChanged []string
	if len(payload.Documents) > 0 {
		res, err := s.docs.Patch(ctx, def.Name, code, payload.Documents)
		if err != nil {
			return nil, err
		}
		undo = res.Undo
		docChanged = res.Changed
	}

	changed := append(sortedKeys(propDiff), docChanged...)

	if plan.NoOp {
		if len(docChanged) == 0 {
			return s.view(ctx, def, existing, opts.IncludeRich)
		}
		// graph side untouched; nothing to compensate against
		return s.finish(ctx, wctx, def, code, events.ActionUpdate, changed, diff, opts.IncludeRich)
	}

	if err := s.executePlan(ctx, def, plan); err != nil {
		s.compensate(ctx, undo)
		return nil, err
	}

	return s.finish(ctx, wctx, def, code, events.ActionUpdate, changed, diff, opts.IncludeRich)
}

// Delete removes a record from both stores.
func (s *Service) Delete(ctx context.Context, wctx WriteContext, typeName, code string) error {
	ctx, span := tracing.Start(ctx, "records.delete",
		attribute.String("lattice.record.type", typeName),
		attribute.String("lattice.record.code", code),
	)
	defer span.End()

	def, err := s.lookup.GetType(typeName)
	if err != nil {
		return err
	}

	state, err := s.fetch(ctx, def, code)
	if err != nil {
		return err
	}
	if state == nil {
		return apperror.NewNotFound(def.Name, code)
	}

	var undo docstore.Undo
	if hasDocumentProps(def) {
		res, err := s.docs.Delete(ctx, def.Name, code)
		if err != nil {
			return err
		}
		undo = res.Undo
	}

	if _, err := s.executor.Execute(ctx, buildDelete(def, code)); err != nil {
		s.compensate(ctx, undo)
		return err
	}

	s.publish(wctx, events.DeriveInput{
		Action:    events.ActionDelete,
		Type:      def.Name,
		Code:      code,
		Edges:     removedEdgeChanges(def, state),
		RequestID: wctx.RequestID,
		Timestamp: wctx.Timestamp,
	})
	return nil
}

// fetch loads a record's node and edges. Returns nil when the record does
// not exist.
func (s *Service) fetch(ctx context.Context, def *schema.RecordType, code string) (*RecordState, error) {
	rs, err := s.executor.Execute(ctx, buildFetch(def, code))
	if err != nil {
		return nil, err
	}
	return stateFromRows(def, rs), nil
}

// runPreflights verifies strict-mode relationship targets before any store
// is touched.
func (s *Service) runPreflights(ctx context.Context, plan *Plan) error {
	for _, pf := range plan.Preflights {
		rs, err := s.executor.Execute(ctx, pf.Statement)
		if err != nil {
			return err
		}
		found := map[string]bool{}
		for _, row := range rs.Rows {
			found[row.RelatedCode] = true
		}
		for _, code := range pf.Codes {
			if !found[code] {
				return apperror.ErrMissingRelatedNode.WithMessagef(
					"related record '%s' for relationship '%s' does not exist; use upsert to create it",
					code, pf.Relationship)
			}
		}
	}
	return nil
}

// executePlan runs the main statement, then the edge batches in parallel.
// All batches must succeed for the write to count.
func (s *Service) executePlan(ctx context.Context, def *schema.RecordType, plan *Plan) error {
	if plan.NoOp || len(plan.Statements) == 0 {
		return nil
	}

	rs, err := s.executor.Execute(ctx, plan.Statements[0])
	if err != nil {
		return err
	}
	if !rs.HasRecords() {
		return apperror.ErrNotFound.WithMessagef("%s record vanished during write", def.Name)
	}

	batches := plan.Statements[1:]
	if len(batches) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range batches {
		g.Go(func() error {
			_, err := s.executor.Execute(gctx, st)
			return err
		})
	}
	return g.Wait()
}

// finish refetches the written record, derives and publishes change events,
// and builds the response view. changed carries the property names whose
// stored value actually differs after the write.
func (s *Service) finish(ctx context.Context, wctx WriteContext, def *schema.RecordType, code string, action events.Action, changed []string, diff *DiffResult, includeRich bool) (*RecordView, error) {
	state, err := s.fetch(ctx, def, code)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperror.NewNotFound(def.Name, code)
	}

	s.publish(wctx, events.DeriveInput{
		Action:            action,
		Type:              def.Name,
		Code:              code,
		UpdatedProperties: updatedPropertyNames(changed, diff),
		Edges:             edgeChanges(def, diff, state, wctx.RequestID),
		RequestID:         wctx.RequestID,
		Timestamp:         wctx.Timestamp,
	})

	return s.view(ctx, def, state, includeRich)
}

// publish derives and emits events. Derivation failure is a schema defect;
// it is logged loudly but no longer fails the already-committed write.
func (s *Service) publish(wctx WriteContext, in events.DeriveInput) {
	evs, err := s.deriver.Derive(in)
	if err != nil {
		s.log.Error("event derivation failed",
			slog.String("type", in.Type),
			slog.String("code", in.Code),
			slog.String("request_id", wctx.RequestID),
			logger.Error(err),
		)
		return
	}
	s.publisher.Publish(evs)
}

// view shapes a record state for the response, merging in document bodies.
func (s *Service) view(ctx context.Context, def *schema.RecordType, state *RecordState, includeRich bool) (*RecordView, error) {
	props := map[string]any{}
	for k, v := range state.Properties {
		if def.HasProperty(k) {
			props[k] = v
		}
	}

	if hasDocumentProps(def) {
		body, err := s.docs.Get(ctx, def.Name, state.Code)
		if err != nil {
			return nil, err
		}
		for k, v := range body {
			if def.HasProperty(k) {
				props[k] = v
			}
		}
	}

	rels := map[string]any{}
	for name, edges := range state.Relationships {
		if includeRich {
			rels[name] = edges
			continue
		}
		codes := make([]string, 0, len(edges))
		for _, e := range edges {
			codes = append(codes, e.TargetCode)
		}
		rels[name] = codes
	}

	view := &RecordView{
		Type:       def.Name,
		Code:       state.Code,
		Properties: props,
	}
	if len(rels) > 0 {
		view.Relationships = rels
	}
	if len(state.LockedFields) > 0 {
		view.LockedFields = state.LockedFields
	}
	return view, nil
}

func (s *Service) compensate(ctx context.Context, undo docstore.Undo) {
	if undo.IsZero() {
		return
	}
	if err := s.docs.Apply(ctx, undo); err != nil {
		s.log.Error("blob compensation failed", logger.Error(err))
	}
}

func hasDocumentProps(def *schema.RecordType) bool {
	for _, p := range def.Properties {
		if p.IsDocument() {
			return true
		}
	}
	return false
}

// payloadFieldNames lists every field the payload writes, regardless of
// whether the value differs from current state.
func payloadFieldNames(p *mutationPayload) []string {
	names := map[string]bool{}
	for k := range p.Properties {
		names[k] = true
	}
	for k := range p.Documents {
		names[k] = true
	}
	for k := range p.Writes {
		names[k] = true
	}
	for k := range p.Deletes {
		names[k] = true
	}
	for k := range p.DeleteAll {
		names[k] = true
	}
	return sortedKeys(names)
}

// updatedPropertyNames lists every property and relationship whose value the
// write changed, for the primary change event. Payload entries that matched
// the stored value are not changes and do not appear.
func updatedPropertyNames(changed []string, diff *DiffResult) []string {
	names := map[string]bool{}
	for _, k := range changed {
		names[k] = true
	}
	for k := range diff.Added {
		names[k] = true
	}
	for k := range diff.Removed {
		names[k] = true
	}
	return sortedKeys(names)
}

// edgeChanges flattens a diff into per-edge change notices for the event
// deriver. Creation provenance on the post-write state tells upserted
// targets apart from pre-existing ones.
func edgeChanges(def *schema.RecordType, diff *DiffResult, post *RecordState, requestID string) []events.EdgeChange {
	var out []events.EdgeChange
	for _, name := range sortedKeys(diff.Added) {
		rel, _ := def.Relationship(name)
		for _, e := range diff.Added[name] {
			change := events.EdgeChange{
				RelationshipName: name,
				TargetType:       rel.RelatedType,
				TargetCode:       e.TargetCode,
			}
			if post != nil {
				if written, ok := post.Edge(name, e.TargetCode); ok {
					change.TargetCreatedByRequest = written.TargetCreatedByRequest == requestID && requestID != ""
				}
			}
			out = append(out, change)
		}
	}
	for _, name := range sortedKeys(diff.Removed) {
		rel, _ := def.Relationship(name)
		for _, code := range diff.Removed[name] {
			out = append(out, events.EdgeChange{
				RelationshipName: name,
				TargetType:       rel.RelatedType,
				TargetCode:       code,
			})
		}
	}
	return out
}

// removedEdgeChanges reports every edge a deleted record held.
func removedEdgeChanges(def *schema.RecordType, state *RecordState) []events.EdgeChange {
	var out []events.EdgeChange
	for _, name := range sortedKeys(state.Relationships) {
		rel, ok := def.Relationship(name)
		if !ok || rel.IsDerived() {
			continue
		}
		for _, e := range state.Relationships[name] {
			out = append(out, events.EdgeChange{
				RelationshipName: name,
				TargetType:       rel.RelatedType,
				TargetCode:       e.TargetCode,
			})
		}
	}
	return out
}
