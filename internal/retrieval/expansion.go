package retrieval

import (
	"container/heap"
	"sort"
	"time"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/uri"
)

// frontierNode is one pending expansion point: a directory URI carrying
// its propagated score and tree depth.
type frontierNode struct {
	uri   string
	score float64
	depth int
}

// frontierHeap is a max-heap on score, tie-broken by URI, mirroring the
// deterministic pop order the expansion loop depends on for reproducible
// traces.
type frontierHeap []frontierNode

func (h frontierHeap) Len() int { return len(h) }
func (h frontierHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].uri > h[j].uri
}
func (h frontierHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *frontierHeap) Push(x any)   { *h = append(*h, x.(frontierNode)) }
func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type singleRunResult struct {
	hits  map[string]ContextHit
	trace model.RetrievalTrace
}

func makeHit(rec model.IndexRecord, score float64) ContextHit {
	return ContextHit{
		Uri:          rec.Uri.String(),
		Score:        score,
		Name:         rec.Name,
		AbstractText: rec.AbstractText,
		ContextType:  rec.ContextType,
		Tags:         rec.Tags,
	}
}

func searchDirectories(idx *index.Index, query string, target *uri.AxiomUri, topK int, filter *index.Filter) []index.SearchResult {
	results := idx.Search(query, target, 0, 0, filter)
	var dirs []index.SearchResult
	for _, r := range results {
		if r.Record.IsLeaf {
			continue
		}
		dirs = append(dirs, r)
		if len(dirs) >= topK {
			break
		}
	}
	return dirs
}

// runTypedQuery executes one typed query's full seed-expand-converge
// cycle and returns its selected hits plus a per-query trace fragment.
func runTypedQuery(idx *index.Index, cfg config.DrrConfig, budget resolvedBudget, plan queryPlan, tq typedQuery, opts SearchOptions, traceID string) singleRunResult {
	runStart := time.Now()
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	target := opts.TargetUri
	filterProjection := idx.FilterProjectionUris(opts.Filter)

	var rootRecords []model.IndexRecord
	if target != nil {
		if rec, ok := idx.Get(*target); ok && rec.Depth <= budget.depth && matchesProjection(rec.Uri.String(), filterProjection) {
			rootRecords = append(rootRecords, rec)
		}
	} else {
		for _, rec := range idx.ScopeRoots(plan.scopes) {
			if rec.Depth <= budget.depth && matchesProjection(rec.Uri.String(), filterProjection) {
				rootRecords = append(rootRecords, rec)
			}
		}
	}

	globalDirs := searchDirectories(idx, tq.query, target, cfg.GlobalTopK, opts.Filter)
	var filteredDirs []index.SearchResult
	for _, d := range globalDirs {
		if matchesQueryBounds(d.Record.Uri.String(), plan, target) && d.Record.Depth <= budget.depth {
			filteredDirs = append(filteredDirs, d)
		}
	}

	globalLimit := limit
	if globalLimit < 32 {
		globalLimit = 32
	}
	globalRank := idx.Search(tq.query, target, globalLimit, opts.ScoreThreshold, opts.Filter)
	var filteredRank []index.SearchResult
	for _, r := range globalRank {
		if matchesQueryBounds(r.Record.Uri.String(), plan, target) && r.Record.Depth <= budget.depth {
			filteredRank = append(filteredRank, r)
		}
	}

	scoreMap := make(map[string]float64, len(filteredRank))
	for _, r := range filteredRank {
		scoreMap[r.Record.Uri.String()] = r.Score
	}

	var traceStart []model.TracePoint
	seenStart := make(map[string]bool)
	fh := &frontierHeap{}
	heap.Init(fh)
	for _, rec := range rootRecords {
		key := rec.Uri.String()
		if seenStart[key] {
			continue
		}
		seenStart[key] = true
		traceStart = append(traceStart, model.TracePoint{Uri: key, Score: 0})
		heap.Push(fh, frontierNode{uri: key, score: 0, depth: rec.Depth})
	}
	for _, d := range filteredDirs {
		key := d.Record.Uri.String()
		if seenStart[key] {
			continue
		}
		seenStart[key] = true
		traceStart = append(traceStart, model.TracePoint{Uri: key, Score: d.Score})
		heap.Push(fh, frontierNode{uri: key, score: d.Score, depth: d.Record.Depth})
	}

	var steps []model.TraceStep
	visited := make(map[string]bool)
	explored := 0
	round := 0
	stableRounds := 0
	var previousTopK []string
	selected := make(map[string]ContextHit)
	stopReason := model.StopQueueEmpty

	for fh.Len() > 0 {
		node := heap.Pop(fh).(frontierNode)

		if budget.timeMs != nil && time.Since(runStart).Milliseconds() >= *budget.timeMs {
			stopReason = model.StopBudgetMs
			break
		}
		if explored >= budget.nodes {
			stopReason = model.StopBudgetNodes
			break
		}
		if node.depth > budget.depth {
			stopReason = model.StopMaxDepth
			continue
		}
		if visited[node.uri] {
			continue
		}
		visited[node.uri] = true
		round++
		explored++

		parsedUri, err := uri.Parse(node.uri)
		if err != nil {
			continue
		}
		children := idx.ChildrenOf(parsedUri)
		childrenExamined := len(children)
		childrenSelected := 0

		for _, child := range children {
			childKey := child.Uri.String()
			if !matchesQueryBounds(childKey, plan, target) || child.Depth > budget.depth || !matchesProjection(childKey, filterProjection) {
				continue
			}
			localScore := scoreMap[childKey]
			propagated := cfg.Alpha*localScore + (1-cfg.Alpha)*node.score
			if child.IsLeaf {
				hit := makeHit(child, propagated)
				if existing, ok := selected[childKey]; !ok || propagated > existing.Score {
					selected[childKey] = hit
				}
				childrenSelected++
				continue
			}
			heap.Push(fh, frontierNode{uri: childKey, score: propagated, depth: child.Depth})
			childrenSelected++
		}

		steps = append(steps, model.TraceStep{
			Round:     round,
			PoppedUri: node.uri,
			Expanded:  childrenExamined,
			Selected:  childrenSelected,
		})

		if updateConvergence(selected, limit, &previousTopK, &stableRounds, cfg.MaxConvergenceRounds) {
			stopReason = model.StopConverged
			break
		}
	}

	if len(selected) == 0 {
		n := limit
		if n > len(filteredRank) {
			n = len(filteredRank)
		}
		for _, r := range filteredRank[:n] {
			selected[r.Record.Uri.String()] = makeHit(r.Record, r.Score)
		}
	}

	trace := model.RetrievalTrace{
		TraceId:     traceID,
		RequestType: opts.RequestType,
		Query:       tq.query,
		StartPoints: traceStart,
		Steps:       steps,
		StopReason:  stopReason,
		Metrics: model.TraceMetrics{
			LatencyMs:         time.Since(runStart).Milliseconds(),
			ExploredNodes:     explored,
			ConvergenceRounds: stableRounds,
			TypedQueryCount:   1,
		},
	}
	if target != nil {
		trace.TargetUri = target.String()
	}

	return singleRunResult{hits: selected, trace: trace}
}

func updateConvergence(selected map[string]ContextHit, limit int, previousTopK *[]string, stableRounds *int, maxRounds int) bool {
	candidates := make([]ContextHit, 0, len(selected))
	for _, h := range selected {
		candidates = append(candidates, h)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Uri < candidates[j].Uri
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	topK := make([]string, len(candidates))
	for i, h := range candidates {
		topK[i] = h.Uri
	}
	if stringSlicesEqual(topK, *previousTopK) {
		*stableRounds++
	} else {
		*stableRounds = 0
	}
	*previousTopK = topK
	return *stableRounds >= maxRounds
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
