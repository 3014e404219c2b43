package outbox

import (
	"context"
	"errors"
	"testing"

	"escrowflow/logging"
)

type fakeStore struct {
	pending   []Message
	processed []string
	failed    map[string]int
}

func (f *fakeStore) ClaimPending(_ context.Context, limit int) ([]Message, error) {
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, attempts int) error {
	if f.failed == nil {
		f.failed = map[string]int{}
	}
	f.failed[id] = attempts
	return nil
}

type fakePublisher struct {
	failTopics map[string]bool
	published  []string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _ []byte) error {
	if f.failTopics[topic] {
		return errors.New("downstream unavailable")
	}
	f.published = append(f.published, topic)
	return nil
}

func TestDrainOnceMarksProcessed(t *testing.T) {
	store := &fakeStore{pending: []Message{
		{ID: "1", Topic: "escrow.funded", Payload: []byte(`{}`)},
		{ID: "2", Topic: "milestone.released", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, logging.NewTest(), 0)

	if err := relay.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(store.processed) != 2 {
		t.Fatalf("expected 2 processed, got %v", store.processed)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected 2 published, got %v", pub.published)
	}
}

func TestDrainOncePublishFailureDoesNotBlockBatch(t *testing.T) {
	store := &fakeStore{pending: []Message{
		{ID: "1", Topic: "dispute.opened", Payload: []byte(`{}`), Attempts: 0},
		{ID: "2", Topic: "dispute.resolved", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{failTopics: map[string]bool{"dispute.opened": true}}
	relay := NewRelay(store, pub, logging.NewTest(), 0)

	if err := relay.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if store.failed["1"] != 1 {
		t.Fatalf("expected message 1 marked failed with attempt 1, got %v", store.failed)
	}
	if len(store.processed) != 1 || store.processed[0] != "2" {
		t.Fatalf("expected message 2 processed, got %v", store.processed)
	}
}
