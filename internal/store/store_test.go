package store

import (
	"testing"

	"github.com/axiomorient/axiomme/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQueueLaneMapping(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Enqueue("semantic_scan", "axiom://resources", "{}", model.LaneSemantic); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Enqueue("embedding_upsert", "axiom://resources/a.md", "{}", model.LaneEmbedding); err != nil {
		t.Fatal(err)
	}

	newTotal, newDue, lanes, err := db.QueueSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if newTotal != 2 || newDue != 2 {
		t.Fatalf("newTotal=%d newDue=%d, want 2,2", newTotal, newDue)
	}
	seen := map[model.Lane]int64{}
	for _, l := range lanes {
		seen[l.Lane] = l.New
	}
	if seen[model.LaneSemantic] != 1 || seen[model.LaneEmbedding] != 1 {
		t.Fatalf("lane counts = %+v", seen)
	}
}

func TestRetryBackoffAdvancesAttempts(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue("upsert", "axiom://resources/a.md", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := db.MarkOutboxStatus(id, model.OutboxProcessing, true); err != nil {
			t.Fatal(err)
		}
		events, err := db.FetchOutbox(model.OutboxProcessing, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].AttemptCount != attempt {
			t.Fatalf("attempt %d: events=%+v", attempt, events)
		}
		if err := db.RequeueWithDelay(id, float64(attempt)); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.MarkOutboxStatus(id, model.OutboxProcessing, true); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxStatus(id, model.OutboxDone, false); err != nil {
		t.Fatal(err)
	}
	events, err := db.FetchOutbox(model.OutboxDone, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].AttemptCount != 4 {
		t.Fatalf("final events=%+v", events)
	}
}

func TestApplyReflectionIdempotent(t *testing.T) {
	db := openTestDB(t)
	scopeKey := "session:abc"
	if err := db.PutOmRecord(model.OmRecord{Scope: model.OmSession, ScopeKey: scopeKey}); err != nil {
		t.Fatal(err)
	}

	outcome1, err := db.ApplyReflection(1, scopeKey, 0, func(r *model.OmRecord) {
		r.ActiveObservations = "first reflection"
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome1 != Applied {
		t.Fatalf("first apply = %v, want Applied", outcome1)
	}

	rec, ok := db.GetOmRecord(scopeKey)
	if !ok || rec.GenerationCount != 1 || rec.ActiveObservations != "first reflection" {
		t.Fatalf("record after apply = %+v ok=%v", rec, ok)
	}

	outcome2, err := db.ApplyReflection(1, scopeKey, 0, func(r *model.OmRecord) {
		r.ActiveObservations = "should not land"
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome2 != IdempotentEvent {
		t.Fatalf("second apply = %v, want IdempotentEvent", outcome2)
	}

	rec2, _ := db.GetOmRecord(scopeKey)
	if rec2.ActiveObservations != "first reflection" {
		t.Fatalf("record mutated on idempotent replay: %+v", rec2)
	}
}

func TestApplyReflectionStaleGeneration(t *testing.T) {
	db := openTestDB(t)
	scopeKey := "session:xyz"
	if err := db.PutOmRecord(model.OmRecord{Scope: model.OmSession, ScopeKey: scopeKey, GenerationCount: 5}); err != nil {
		t.Fatal(err)
	}

	outcome, err := db.ApplyReflection(2, scopeKey, 0, func(r *model.OmRecord) {
		r.ActiveObservations = "stale"
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != StaleGeneration {
		t.Fatalf("outcome = %v, want StaleGeneration", outcome)
	}
}
