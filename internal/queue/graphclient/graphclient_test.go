package graphclient

import (
	"context"
	"testing"
)

func TestInMemoryPersistEpisodeIsIdempotent(t *testing.T) {
	c := NewInMemory()
	node := EpisodeNode{ID: "ep-1", ProjectID: "proj-1", Content: "first"}
	if err := c.PersistEpisode(context.Background(), node, nil, nil); err != nil {
		t.Fatalf("persist: %v", err)
	}

	node.Content = "second"
	if err := c.PersistEpisode(context.Background(), node, nil, nil); err != nil {
		t.Fatalf("re-persist: %v", err)
	}

	got, ok := c.Get("ep-1")
	if !ok {
		t.Fatalf("expected node to exist")
	}
	if got.Content != "second" {
		t.Fatalf("content = %q, want overwritten value 'second'", got.Content)
	}
}

func TestInMemoryPersistEpisodeRejectsEmptyID(t *testing.T) {
	c := NewInMemory()
	if err := c.PersistEpisode(context.Background(), EpisodeNode{}, nil, nil); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestInMemoryRebuildCommunitiesReportsFullProgress(t *testing.T) {
	c := NewInMemory()
	var seen []int
	err := c.RebuildCommunities(context.Background(), "proj-1", func(p int) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	want := []int{0, 50, 100}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestInMemoryRebuildCommunitiesRespectsCancellation(t *testing.T) {
	c := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.RebuildCommunities(ctx, "proj-1", nil); err == nil {
		t.Fatalf("expected context error after cancellation")
	}
}
