// Package indexing implements the subtree walk that keeps the durable
// search_docs mirror, the in-memory index, and index_state in sync with
// the filesystem, emitting outbox events for every change observed.
package indexing

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/contenthash"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/store"
	"github.com/axiomorient/axiomme/internal/tier"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

// MaxReadBytes is the per-file byte cap applied before hashing and
// indexing; files larger than this are truncated and hashed with the
// length-salted TruncatedHash so growth past the cap is still detected.
const MaxReadBytes = 1 << 20 // 1 MiB

// MaxTailHeadings bounds how many markdown headings are pulled from a
// file's tail as augmentation tags.
const MaxTailHeadings = 24

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// Pipeline wires the filesystem, durable store, and in-memory index
// together for indexing operations.
type Pipeline struct {
	fs  *vfs.FS
	db  *store.DB
	idx *index.Index
	cfg config.Config
}

// New constructs an indexing pipeline.
func New(fs *vfs.FS, db *store.DB, idx *index.Index, cfg config.Config) *Pipeline {
	return &Pipeline{fs: fs, db: db, idx: idx, cfg: cfg}
}

// IndexScope walks an entire scope root, synthesizing tiers and indexing
// content bottom-up. Internal scopes are skipped entirely: they are never
// indexed, per the closed scope model.
func (p *Pipeline) IndexScope(scope uri.Scope) error {
	if scope.IsInternal() {
		return nil
	}
	root := uri.Root(scope)
	if !p.fs.Exists(root) {
		return nil
	}
	_, err := p.indexDir(root, true)
	return err
}

// indexDir indexes one directory post-order: children first, so a
// directory's synthesized abstract can summarize its already-indexed
// children. Returns the directory's own synthesized abstract text for use
// by its parent.
func (p *Pipeline) indexDir(u uri.AxiomUri, isRoot bool) (string, error) {
	entries, err := p.fs.List(u, false)
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Uri.String() < entries[j].Uri.String() })

	internal := u.Scope().IsInternal()
	var items []tier.Item
	var childRecords []model.IndexRecord

	for _, e := range entries {
		name := e.Uri.LastSegment()
		if vfs.IsSkipName(name) {
			continue
		}
		if e.IsDir {
			childAbstract, err := p.indexDir(e.Uri, false)
			if err != nil {
				return "", err
			}
			items = append(items, tier.Item{Name: name, IsDir: true, Abstract: childAbstract})
			continue
		}
		rec, ok, err := p.indexFile(e.Uri)
		if err != nil {
			return "", err
		}
		items = append(items, tier.Item{Name: name, IsDir: false})
		if ok {
			childRecords = append(childRecords, rec)
		}
	}

	synth := tier.Synthesize(dirDisplayName(u), items, p.cfg.TierSynthesisMode)

	persist := tier.ShouldPersist(internal, p.cfg.InternalTierPolicy)
	if persist {
		_ = p.fs.WriteAtomic(mustJoin(u, vfs.AbstractFile), []byte(synth.Abstract), true)
		_ = p.fs.WriteAtomic(mustJoin(u, vfs.OverviewFile), []byte(synth.Overview), true)
	} else if internal {
		_ = p.fs.Rm(mustJoin(u, vfs.AbstractFile), false, true)
		_ = p.fs.Rm(mustJoin(u, vfs.OverviewFile), false, true)
	}

	if internal {
		// Internal scopes are never indexed into search_docs/index_state;
		// tiers are synthesized (and possibly persisted) but stay out of
		// the retrievable index.
		return synth.Abstract, nil
	}

	dirPath := p.fs.ResolveUri(u)
	info, statErr := os.Stat(dirPath)
	var mtimeNanos int64
	if statErr == nil {
		mtimeNanos = info.ModTime().UnixNano()
	}
	hash := contenthash.Hash([]byte(synth.Overview))

	var parent *uri.AxiomUri
	if p, ok := u.Parent(); ok {
		parent = &p
	}

	rec := model.IndexRecord{
		Uri:          u,
		ParentUri:    parent,
		IsLeaf:       false,
		ContextType:  model.ContextDir,
		Name:         dirDisplayName(u),
		AbstractText: synth.Abstract,
		Content:      synth.Overview,
		UpdatedAt:    time.Now().Unix(),
		Depth:        u.Depth(),
	}

	if p.needsReindex(u.String(), hash, mtimeNanos) {
		if err := p.applyRecord(rec, hash, mtimeNanos, "dir"); err != nil {
			return "", err
		}
	} else {
		p.idx.Upsert(rec)
	}

	return synth.Abstract, nil
}

func dirDisplayName(u uri.AxiomUri) string {
	if u.IsRoot() {
		return u.Scope().String()
	}
	return u.LastSegment()
}

func mustJoin(u uri.AxiomUri, seg string) uri.AxiomUri {
	j, err := u.Join(seg)
	if err != nil {
		return u
	}
	return j
}

// indexFile indexes a single leaf file. Returns ok=false for files that are
// never indexed (generated tier files, relation documents, skip-set names).
func (p *Pipeline) indexFile(u uri.AxiomUri) (model.IndexRecord, bool, error) {
	name := u.LastSegment()
	if vfs.IsSkipName(name) {
		return model.IndexRecord{}, false, nil
	}
	if u.Scope().IsInternal() {
		return model.IndexRecord{}, false, nil
	}

	path := p.fs.ResolveUri(u)
	info, err := os.Stat(path)
	if err != nil {
		return model.IndexRecord{}, false, nil
	}

	raw, err := p.fs.Read(u)
	if err != nil {
		return model.IndexRecord{}, false, err
	}

	truncated := false
	content := raw
	if int64(len(raw)) > MaxReadBytes {
		content = raw[:MaxReadBytes]
		truncated = true
	}

	var hash string
	if truncated {
		hash = contenthash.TruncatedHash(content, info.Size())
	} else {
		hash = contenthash.Hash(content)
	}

	tags := tailHeadings(content)

	var parent *uri.AxiomUri
	if parUri, ok := u.Parent(); ok {
		parent = &parUri
	}

	text := string(content)
	abstract := firstLine(text)

	rec := model.IndexRecord{
		Uri:          u,
		ParentUri:    parent,
		IsLeaf:       true,
		ContextType:  classify(u),
		Name:         name,
		AbstractText: abstract,
		Content:      text,
		Tags:         tags,
		UpdatedAt:    time.Now().Unix(),
		Depth:        u.Depth(),
	}

	mtimeNanos := info.ModTime().UnixNano()
	if p.needsReindex(u.String(), hash, mtimeNanos) {
		if err := p.applyRecord(rec, hash, mtimeNanos, "file"); err != nil {
			return model.IndexRecord{}, false, err
		}
	} else {
		p.idx.Upsert(rec)
	}

	return rec, true, nil
}

func classify(u uri.AxiomUri) model.ContextType {
	switch u.Scope() {
	case uri.Session:
		return model.ContextSession
	default:
		return model.ContextResource
	}
}

func firstLine(text string) string {
	for _, line := range strings.SplitN(text, "\n", 2) {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if len(trimmed) > 200 {
				trimmed = trimmed[:200]
			}
			return trimmed
		}
	}
	return ""
}

// tailHeadings extracts up to MaxTailHeadings distinct markdown headings
// from the content, preferring headings nearer the end of the document so
// the augmentation tracks what the document most recently discusses.
func tailHeadings(content []byte) []string {
	matches := headingRe.FindAllSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for i := len(matches) - 1; i >= 0 && len(out) < MaxTailHeadings; i-- {
		h := strings.ToLower(strings.TrimSpace(string(matches[i][1])))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// needsReindex compares the observed (hash, mtime) against index_state,
// skipping work when neither has changed since the last index pass.
func (p *Pipeline) needsReindex(key, hash string, mtimeNanos int64) bool {
	state, ok := p.db.GetIndexState(key)
	if !ok {
		return true
	}
	return state.ContentHash != hash || state.MtimeNanos != mtimeNanos
}

// applyRecord upserts a record into search_docs, index_state, the
// in-memory index, and enqueues a "done" upsert outbox event.
func (p *Pipeline) applyRecord(rec model.IndexRecord, hash string, mtimeNanos int64, kind string) error {
	if err := p.db.UpsertSearchDoc(rec); err != nil {
		return err
	}
	if err := p.db.UpsertIndexState(rec.Uri.String(), hash, mtimeNanos); err != nil {
		return err
	}
	p.idx.Upsert(rec)

	payload, _ := json.Marshal(map[string]string{"kind": kind})
	_, err := p.db.Enqueue("upsert", rec.Uri.String(), string(payload), model.LaneSemantic)
	return err
}

// RemoveUri deletes a URI's durable and in-memory index state, used when a
// file or directory disappears from disk (the watcher or reconciler
// detects this).
func (p *Pipeline) RemoveUri(u uri.AxiomUri) error {
	if err := p.db.DeleteSearchDoc(u.String()); err != nil {
		return err
	}
	if err := p.db.DeleteIndexState(u.String()); err != nil {
		return err
	}
	p.idx.Delete(u)
	payload, _ := json.Marshal(map[string]string{"kind": "delete"})
	_, err := p.db.Enqueue("upsert", u.String(), string(payload), model.LaneSemantic)
	return err
}

// ReindexWithAncestors reindexes a single leaf and then resynthesizes every
// ancestor directory's tier up to the scope root, so abstracts stay
// consistent without a full scope walk.
func (p *Pipeline) ReindexWithAncestors(leaf uri.AxiomUri) error {
	if leaf.Scope().IsInternal() {
		return nil
	}
	if p.fs.IsDir(leaf) {
		if _, err := p.indexDir(leaf, false); err != nil {
			return err
		}
	} else if p.fs.Exists(leaf) {
		if _, _, err := p.indexFile(leaf); err != nil {
			return err
		}
	} else {
		if err := p.RemoveUri(leaf); err != nil {
			return err
		}
	}

	cur := leaf
	for {
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		if _, err := p.indexDir(parent, parent.IsRoot()); err != nil {
			return err
		}
		cur = parent
	}
	return nil
}
