// Package engine wires the workspace's subsystems — store, in-memory
// index, indexing pipeline, outbox dispatcher, OM runtime, retrieval
// engine, relation store, reconciler, markdown editor, and watcher —
// into a single object constructed once at process start, mirroring the
// teacher's pattern of opening its store and building its indexer/watcher
// once in main.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/editor"
	"github.com/axiomorient/axiomme/internal/embedding"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/indexing"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/om"
	"github.com/axiomorient/axiomme/internal/outbox"
	"github.com/axiomorient/axiomme/internal/reconcile"
	"github.com/axiomorient/axiomme/internal/relation"
	"github.com/axiomorient/axiomme/internal/retrieval"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
	"github.com/axiomorient/axiomme/internal/watch"
)

// Workspace is the opened, fully wired AxiomMe engine for one workspace
// root. Its subsystem fields are exported for direct use alongside its
// methods; the zero value is not usable.
type Workspace struct {
	Config    config.Config
	FS        *vfs.FS
	DB        *store.DB
	Index     *index.Index
	Indexing  *indexing.Pipeline
	Outbox    *outbox.Dispatcher
	Om        *om.Runtime
	Relation  *relation.Store
	Retrieval *retrieval.Engine
	Reconcile *reconcile.Reconciler
	Watcher   *watch.Watcher
	Editor    *editor.Editor
	embedder  embedding.Provider
}

// Open resolves configuration, opens the durable store, hydrates the
// in-memory index from it, and constructs every subsystem over the result.
func Open(workspaceRoot string) (*Workspace, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve workspace root: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("engine: load config: %w", err)
	}

	fsys, err := vfs.New(root)
	if err != nil {
		return nil, fmt.Errorf("engine: open vfs: %w", err)
	}

	dbPath := filepath.Join(root, uri.Queue.String(), "axiomme.db")
	db, err := store.OpenPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	idx := index.New()
	if err := hydrateIndex(db, idx); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: hydrate index: %w", err)
	}

	embedder, err := embedding.FromEngineConfig(cfg)
	if err != nil {
		if cfg.EmbeddingStrictError {
			db.Close()
			return nil, fmt.Errorf("engine: embedding provider: %w", err)
		}
		// Keyword-only mode ("none", or any provider misconfiguration
		// when strict_error is off): the embedder stays nil and
		// embedding-upsert outbox events become no-ops. Lexical and
		// exact-match retrieval are unaffected.
		embedder = nil
	}
	if cfg.VectorBackend == "sqlite-vec" && embedder != nil {
		if err := db.EnableVectorIndex(embedder.Dimensions()); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: enable vector index: %w", err)
		}
	}

	pipeline := indexing.New(fsys, db, idx, cfg)
	relStore := relation.New(fsys, idx, relation.PermissiveOntology{})
	retrievalEngine := retrieval.New(idx, relStore, cfg)
	reconciler := reconcile.New(fsys, db, pipeline)
	dispatcher := outbox.New(db, cfg, 0)
	omRuntime := om.New(db, cfg.Om, nil, nil)
	watcher := watch.New(fsys, pipeline, cfg.WatchDebounceMs)
	docEditor := editor.New(fsys, pipeline)

	ws := &Workspace{
		Config:    cfg,
		FS:        fsys,
		DB:        db,
		Index:     idx,
		Indexing:  pipeline,
		Outbox:    dispatcher,
		Om:        omRuntime,
		Relation:  relStore,
		Retrieval: retrievalEngine,
		Reconcile: reconciler,
		Watcher:   watcher,
		Editor:    docEditor,
		embedder:  embedder,
	}
	ws.registerOutboxHandlers()
	return ws, nil
}

// Close releases the workspace's durable store handle.
func (w *Workspace) Close() error {
	return w.DB.Close()
}

// hydrateIndex loads every durable search_docs row into the in-memory
// index, so a freshly opened workspace can serve retrieval queries
// before any reindex pass runs.
func hydrateIndex(db *store.DB, idx *index.Index) error {
	recs, err := db.AllSearchDocs()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		idx.Upsert(rec)
	}
	return nil
}

// IndexAllScopes walks every non-internal scope root into the durable
// store and in-memory index, used on first open of an empty workspace.
func (w *Workspace) IndexAllScopes() error {
	for s := uri.Resources; s <= uri.Trash; s++ {
		if s.IsInternal() {
			continue
		}
		if err := w.Indexing.IndexScope(s); err != nil {
			return fmt.Errorf("engine: index scope %s: %w", s, err)
		}
	}
	return nil
}

// registerOutboxHandlers wires the dispatcher's event types to the
// subsystems that own their side effects: embedding upserts go through
// the configured provider and, when enabled, the vector sidecar; OM
// events flow through the OM runtime's apply path.
func (w *Workspace) registerOutboxHandlers() {
	w.Outbox.Register("upsert", w.handleUpsertEvent)
	w.Outbox.Register("embedding_upsert", w.handleEmbeddingUpsertEvent)
	w.Outbox.Register(om.EventObserverBufferRequested, w.handleOmObserverBufferEvent)
	w.Outbox.Register(om.EventReflectRequested, w.handleOmReflectRequestEvent)
}

func (w *Workspace) handleOmObserverBufferEvent(ctx context.Context, ev model.OutboxEvent) error {
	scopeKey, generation, batch, err := om.DecodeObserverBufferPayload(ev.PayloadJson)
	if err != nil {
		return err
	}
	return w.Om.ApplyBufferedObserver(ctx, scopeKey, generation, batch)
}

func (w *Workspace) handleOmReflectRequestEvent(ctx context.Context, ev model.OutboxEvent) error {
	scopeKey, generation, err := om.DecodeReflectRequestPayload(ev.PayloadJson)
	if err != nil {
		return err
	}
	_, err = w.Om.ApplyPendingReflection(ctx, scopeKey, ev.Id, generation)
	return err
}

func (w *Workspace) handleUpsertEvent(ctx context.Context, ev model.OutboxEvent) error {
	if w.embedder == nil {
		return nil
	}
	parsed, err := uri.Parse(ev.Uri)
	if err != nil {
		return nil
	}
	rec, ok := w.Index.Get(parsed)
	if !ok || !rec.IsLeaf || rec.Content == "" {
		return nil
	}
	vec, err := w.embedder.GetDocumentEmbedding(rec.Content)
	if err != nil {
		return err
	}
	if !w.DB.VectorAvailable() {
		return nil
	}
	docID, ok := w.DB.DocIDForUri(ev.Uri)
	if !ok {
		return nil
	}
	return w.DB.UpsertVector(docID, vec)
}

func (w *Workspace) handleEmbeddingUpsertEvent(ctx context.Context, ev model.OutboxEvent) error {
	return w.handleUpsertEvent(ctx, ev)
}

// Query runs a retrieval request against the live index.
func (w *Workspace) Query(opts retrieval.SearchOptions) (retrieval.Result, error) {
	return w.Retrieval.Query(opts)
}

// RunOutboxOnce drains up to limit due outbox events through their
// registered handlers.
func (w *Workspace) RunOutboxOnce(ctx context.Context, limit int) error {
	return w.Outbox.RunOnce(ctx, limit)
}

// RunReconcile runs one drift-detection-and-heal pass.
func (w *Workspace) RunReconcile(opts reconcile.Options) (reconcile.Report, error) {
	return w.Reconcile.Run(opts)
}

// Watch blocks watching the workspace for filesystem changes until stop
// is closed.
func (w *Workspace) Watch(stop <-chan struct{}) error {
	return w.Watcher.Run(stop)
}

// LoadDocument reads a markdown document through the markdown edit gate.
func (w *Workspace) LoadDocument(rawUri string) (editor.Document, error) {
	return w.Editor.Load(rawUri)
}

// SaveDocument writes a markdown document through the markdown edit gate,
// enforcing expectedEtag when non-empty and reindexing its parent on
// success.
func (w *Workspace) SaveDocument(rawUri, content, expectedEtag string) (editor.SaveResult, error) {
	return w.Editor.Save(rawUri, content, expectedEtag)
}
