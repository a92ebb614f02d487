package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/axiomorient/axiomme/internal/config"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/store"
)

func TestLaneOf(t *testing.T) {
	if LaneOf("embedding_upsert") != model.LaneEmbedding {
		t.Fatal("embedding_ prefixed events must route to the embedding lane")
	}
	if LaneOf("upsert") != model.LaneSemantic {
		t.Fatal("non-embedding events must route to the semantic lane")
	}
}

func testConfig() config.Config {
	return config.Config{
		DefaultRetry: config.RetryConfig{BaseSeconds: 1, CapSeconds: 10, MaxAttempts: 3},
		EventRetry:   map[string]config.RetryConfig{},
	}
}

func TestRunOnceMarksDoneOnSuccess(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Enqueue("upsert", "axiom://resources/a.md", "{}", model.LaneSemantic); err != nil {
		t.Fatal(err)
	}

	d := New(db, testConfig(), 0)
	d.Register("upsert", func(ctx context.Context, ev model.OutboxEvent) error { return nil })

	if err := d.RunOnce(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	done, err := db.FetchOutbox(model.OutboxDone, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Fatalf("expected 1 done event, got %d", len(done))
	}
}

func TestRunOnceDeadLettersAfterMaxAttempts(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	id, err := db.Enqueue("upsert", "axiom://resources/a.md", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.DefaultRetry.MaxAttempts = 2
	d := New(db, cfg, 0)
	d.Register("upsert", func(ctx context.Context, ev model.OutboxEvent) error {
		return errors.New("boom")
	})

	for i := 0; i < 2; i++ {
		if err := db.RequeueWithDelay(id, 0); err != nil {
			t.Fatal(err)
		}
		if err := d.RunOnce(context.Background(), 10); err != nil {
			t.Fatal(err)
		}
	}

	dead, err := db.FetchOutbox(model.OutboxDeadLetter, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected event dead-lettered after exhausting attempts, got %d dead-lettered", len(dead))
	}
}

func TestReplayOmOnlyTargetsDueEventsNotDoneOnes(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	doneID, err := db.Enqueue("om_reflect_requested", "axiom://session/s1", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}
	dueID, err := db.Enqueue("om_observer_buffer_requested", "axiom://session/s1", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Enqueue("upsert", "axiom://resources/a.md", "{}", model.LaneSemantic); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxStatus(doneID, model.OutboxDone, false); err != nil {
		t.Fatal(err)
	}

	var processed []int64
	d := New(db, testConfig(), 0)
	d.Register("om_reflect_requested", func(ctx context.Context, ev model.OutboxEvent) error {
		processed = append(processed, ev.Id)
		return nil
	})
	d.Register("om_observer_buffer_requested", func(ctx context.Context, ev model.OutboxEvent) error {
		processed = append(processed, ev.Id)
		return nil
	})

	if err := d.ReplayOmOnly(context.Background(), 10, false); err != nil {
		t.Fatal(err)
	}
	if len(processed) != 1 || processed[0] != dueID {
		t.Fatalf("expected only the due om_ event (%d) to be replayed, got %v", dueID, processed)
	}
}

func TestReplayOmOnlyIncludesDeadLetterWhenRequested(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	deadID, err := db.Enqueue("om_reflect_requested", "axiom://session/s1", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxStatus(deadID, model.OutboxDeadLetter, false); err != nil {
		t.Fatal(err)
	}

	var processed []int64
	d := New(db, testConfig(), 0)
	d.Register("om_reflect_requested", func(ctx context.Context, ev model.OutboxEvent) error {
		processed = append(processed, ev.Id)
		return nil
	})

	if err := d.ReplayOmOnly(context.Background(), 10, false); err != nil {
		t.Fatal(err)
	}
	if len(processed) != 0 {
		t.Fatalf("expected dead-letter event to be skipped when includeDeadLetter is false, got %v", processed)
	}

	if err := d.ReplayOmOnly(context.Background(), 10, true); err != nil {
		t.Fatal(err)
	}
	if len(processed) != 1 || processed[0] != deadID {
		t.Fatalf("expected dead-letter event (%d) replayed when requested, got %v", deadID, processed)
	}
}

func TestReplayAllTargetsDueEventsNotDoneOnes(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	doneID, err := db.Enqueue("upsert", "axiom://resources/a.md", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}
	dueID, err := db.Enqueue("upsert", "axiom://resources/b.md", "{}", model.LaneSemantic)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxStatus(doneID, model.OutboxDone, false); err != nil {
		t.Fatal(err)
	}

	var processed []int64
	d := New(db, testConfig(), 0)
	d.Register("upsert", func(ctx context.Context, ev model.OutboxEvent) error {
		processed = append(processed, ev.Id)
		return nil
	})

	if err := d.ReplayAll(context.Background(), 10, false); err != nil {
		t.Fatal(err)
	}
	if len(processed) != 1 || processed[0] != dueID {
		t.Fatalf("expected only the due event (%d) to be replayed, got %v", dueID, processed)
	}
}

func TestUnregisteredEventTypeDeadLettersImmediately(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Enqueue("unknown_event", "axiom://resources/a.md", "{}", model.LaneSemantic); err != nil {
		t.Fatal(err)
	}

	d := New(db, testConfig(), 0)
	if err := d.RunOnce(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	dead, err := db.FetchOutbox(model.OutboxDeadLetter, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected unregistered event type to dead-letter, got %d", len(dead))
	}
}
