package retrieval

import (
	"sort"

	"github.com/google/uuid"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/relation"
	"github.com/axiomorient/axiomme/internal/uri"
)

// MaxRelationsPerHit bounds how many relation links are attached to a
// single hit during enrichment.
const MaxRelationsPerHit = 20

// exactBoostWeight scales how much the exact-match cascade's score
// contributes on top of the DRR-propagated score, so a strong lexical
// hit floats up without fully overriding the frontier's own ranking.
const exactBoostWeight = 0.5

// Engine runs DRR queries over a workspace's live index, enriching hits
// with exact-match boosts, optional reranking, and relation links.
type Engine struct {
	idx *index.Index
	rel *relation.Store
	cfg config.Config
}

// New constructs a retrieval engine. rel may be nil, in which case
// relation enrichment is skipped.
func New(idx *index.Index, rel *relation.Store, cfg config.Config) *Engine {
	return &Engine{idx: idx, rel: rel, cfg: cfg}
}

// Query runs the full retrieval pipeline: plan typed queries, expand each
// under budget, fuse their hits, apply exact-match and reranker scoring,
// enrich with relations, and emit a trace.
func (e *Engine) Query(opts SearchOptions) (Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	plan := planQuery(opts)
	budget := resolveBudget(e.cfg.Drr, opts.Budget)
	traceID := uuid.NewString()

	fused := make(map[string]ContextHit)
	var allStart []model.TracePoint
	var allSteps []model.TraceStep
	stopReason := model.StopQueueEmpty
	var metrics model.TraceMetrics
	typedCount := 0

	for _, tq := range plan.typedQueries {
		run := runTypedQuery(e.idx, e.cfg.Drr, budget, plan, tq, opts, traceID)
		typedCount++
		for key, hit := range run.hits {
			if existing, ok := fused[key]; !ok || hit.Score > existing.Score {
				fused[key] = hit
			}
		}
		allStart = append(allStart, run.trace.StartPoints...)
		allSteps = append(allSteps, run.trace.Steps...)
		stopReason = run.trace.StopReason
		metrics.LatencyMs += run.trace.Metrics.LatencyMs
		metrics.ExploredNodes += run.trace.Metrics.ExploredNodes
		if run.trace.Metrics.ConvergenceRounds > metrics.ConvergenceRounds {
			metrics.ConvergenceRounds = run.trace.Metrics.ConvergenceRounds
		}
	}
	metrics.TypedQueryCount = typedCount

	hits := make([]ContextHit, 0, len(fused))
	for _, h := range fused {
		hits = append(hits, h)
	}

	queryKeys := newExactQueryKeys(opts.Query)
	for i := range hits {
		rec := e.recordFor(hits[i].Uri)
		boost := exactMatchScore(queryKeys, newExactRecordKeys(rec))
		newScore := hits[i].Score + exactBoostWeight*boost
		if newScore > 1 {
			newScore = 1
		}
		hits[i].Score = newScore
	}

	var notes []string
	notes = append(notes, plan.notes...)
	if e.cfg.Reranker == config.RerankerDocAwareV1 {
		rerankDocAware(hits, opts.Query, &notes)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Uri < hits[j].Uri
	})
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}

	relationEnrichedLinks := e.enrichRelations(hits)
	metrics.RelationEnrichedCount = relationEnrichedLinks

	finalTopK := make([]model.TracePoint, len(hits))
	for i, h := range hits {
		finalTopK[i] = model.TracePoint{Uri: h.Uri, Score: h.Score}
	}

	trace := model.RetrievalTrace{
		TraceId:     traceID,
		RequestType: opts.RequestType,
		Query:       opts.Query,
		StartPoints: allStart,
		Steps:       allSteps,
		FinalTopK:   finalTopK,
		StopReason:  stopReason,
		Metrics:     metrics,
	}
	if opts.TargetUri != nil {
		trace.TargetUri = opts.TargetUri.String()
	}

	return Result{Hits: hits, Trace: trace, Notes: notes}, nil
}

func (e *Engine) recordFor(uriStr string) model.IndexRecord {
	parsed, err := uri.Parse(uriStr)
	if err != nil {
		return model.IndexRecord{}
	}
	rec, _ := e.idx.Get(parsed)
	return rec
}

// enrichRelations loads relations from the nearest ancestor owner
// documents for each hit (the hit itself if it is a directory, otherwise
// its parent, then each further ancestor), dedupes, sorts, and truncates
// per hit. Returns the total number of links attached across all hits.
func (e *Engine) enrichRelations(hits []ContextHit) int {
	if e.rel == nil {
		return 0
	}
	total := 0
	for i := range hits {
		parsed, err := uri.Parse(hits[i].Uri)
		if err != nil {
			continue
		}
		links := e.collectOwnerRelations(parsed, hits[i].ContextType == model.ContextDir)
		if len(links) == 0 {
			continue
		}
		dedup := dedupRelations(links)
		sort.Slice(dedup, func(a, b int) bool {
			if dedup[a].RelatedUri != dedup[b].RelatedUri {
				return dedup[a].RelatedUri < dedup[b].RelatedUri
			}
			return dedup[a].Reason < dedup[b].Reason
		})
		if len(dedup) > MaxRelationsPerHit {
			dedup = dedup[:MaxRelationsPerHit]
		}
		hits[i].Relations = dedup
		total += len(dedup)
	}
	return total
}

func (e *Engine) collectOwnerRelations(hitUri uri.AxiomUri, isDir bool) []RelatedLink {
	owner := hitUri
	if !isDir {
		parent, ok := hitUri.Parent()
		if !ok {
			return nil
		}
		owner = parent
	}

	var out []RelatedLink
	for {
		links, err := e.rel.Relations(owner)
		if err == nil {
			for _, link := range relation.RelationsFor(links, hitUri) {
				out = append(out, toRelatedLinks(link, hitUri.String())...)
			}
		}
		parent, ok := owner.Parent()
		if !ok {
			break
		}
		owner = parent
	}
	return out
}

func toRelatedLinks(link model.RelationLink, exclude string) []RelatedLink {
	var out []RelatedLink
	for _, u := range link.Uris {
		if u == exclude {
			continue
		}
		out = append(out, RelatedLink{RelatedUri: u, LinkId: link.Id, Reason: link.Reason})
	}
	return out
}

func dedupRelations(links []RelatedLink) []RelatedLink {
	seen := make(map[string]bool, len(links))
	out := make([]RelatedLink, 0, len(links))
	for _, l := range links {
		key := l.RelatedUri + "|" + l.LinkId + "|" + l.Reason
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}
