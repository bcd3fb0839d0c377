package toolindex_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/mcp/mock"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/mcp/toolindex"
	embmock "github.com/MrWong99/toolrelay/pkg/provider/embeddings/mock"
)

// topicVector maps text onto three axes: weather, calendar, everything else.
func topicVector(text string) []float32 {
	t := strings.ToLower(text)
	v := []float32{0, 0, 0.1}
	if strings.Contains(t, "weather") || strings.Contains(t, "rain") {
		v[0] = 1
	}
	if strings.Contains(t, "calendar") || strings.Contains(t, "meeting") {
		v[1] = 1
	}
	return v
}

func newEmbedder() *embmock.Provider {
	return &embmock.Provider{Vector: topicVector, Dims: 3, Model: "topic-v1"}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRegistry(t *testing.T, conns ...*mock.Connection) *registry.Registry {
	t.Helper()
	byID := map[string]*mock.Connection{}
	var descs []mcp.ServerDescriptor
	for _, c := range conns {
		byID[c.ID] = c
		descs = append(descs, mcp.ServerDescriptor{ID: c.ID, Command: c.ID})
	}
	reg := registry.New(func(d mcp.ServerDescriptor) mcp.Connection { return byID[d.ID] }, registry.WithLogger(quiet()))
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	if _, err := reg.ApplyConfigs(context.Background(), descs); err != nil {
		t.Fatalf("ApplyConfigs: %v", err)
	}
	return reg
}

func weatherAndCalendar() []*mock.Connection {
	return []*mock.Connection{
		mock.New("weather", mcp.Tool{Name: "forecast", Description: "weather forecast for a city"}),
		mock.New("cal", mcp.Tool{Name: "list_events", Description: "list calendar entries"},
			mcp.Tool{Name: "book", Description: "book a meeting room"}),
	}
}

func TestSearch_Semantic(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, weatherAndCalendar()...)
	emb := newEmbedder()
	ix := toolindex.New(emb, toolindex.WithLogger(quiet()))

	if err := ix.Rebuild(context.Background(), reg.Snapshot()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	hits, err := ix.Search(context.Background(), "will it rain tomorrow", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2", len(hits))
	}
	if hits[0].Name != "forecast" || hits[0].Server != "weather" {
		t.Errorf("top hit = %+v, want forecast from weather", hits[0])
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestRebuild_ReusesUnchangedVectors(t *testing.T) {
	t.Parallel()
	conns := weatherAndCalendar()
	reg := newRegistry(t, conns...)
	emb := newEmbedder()
	ix := toolindex.New(emb, toolindex.WithLogger(quiet()))
	ctx := context.Background()

	if err := ix.Rebuild(ctx, reg.Snapshot()); err != nil {
		t.Fatal(err)
	}
	conns[0].SetTools(
		mcp.Tool{Name: "forecast", Description: "weather forecast for a city"},
		mcp.Tool{Name: "radar", Description: "rain radar"},
	)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ix.Rebuild(ctx, reg.Snapshot()); err != nil {
		t.Fatal(err)
	}

	if n := len(emb.Batches()); n != 2 {
		t.Fatalf("EmbedBatch called %d times, want 2", n)
	}
	if got := emb.Batches()[1]; len(got) != 1 || !strings.HasPrefix(got[0], "radar") {
		t.Errorf("second batch = %v, want only the new radar tool", got)
	}
	if ix.Version() != reg.Snapshot().Version {
		t.Errorf("indexed version = %d, want %d", ix.Version(), reg.Snapshot().Version)
	}
}

func TestRebuild_IgnoresStaleSnapshot(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, weatherAndCalendar()...)
	emb := newEmbedder()
	ix := toolindex.New(emb, toolindex.WithLogger(quiet()))
	ctx := context.Background()

	old := reg.Snapshot()
	if err := reg.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ix.Rebuild(ctx, reg.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if err := ix.Rebuild(ctx, old); err != nil {
		t.Fatal(err)
	}
	if n := len(emb.Batches()); n != 1 {
		t.Errorf("EmbedBatch called %d times, want 1", n)
	}
}

func TestRebuild_EmbedError(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, weatherAndCalendar()...)
	emb := newEmbedder()
	emb.Err = errors.New("quota exceeded")
	ix := toolindex.New(emb, toolindex.WithLogger(quiet()))

	if err := ix.Rebuild(context.Background(), reg.Snapshot()); err == nil {
		t.Fatal("expected error")
	}
	// Not yet indexed, so search answers lexically.
	hits, err := ix.Search(context.Background(), "calendar", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "list_events" {
		t.Errorf("lexical hits = %+v, want list_events", hits)
	}
}

func TestSearch_LexicalWithoutEmbedder(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, weatherAndCalendar()...)
	ix := toolindex.New(nil, toolindex.WithLogger(quiet()))
	ix.Attach(reg)

	if ix.Semantic() {
		t.Fatal("index without embedder reports semantic")
	}
	hits, err := ix.Search(context.Background(), "meeting", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Name != "book" {
		t.Errorf("hits = %+v, want book", hits)
	}

	all, err := ix.Search(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d hits, want 3", len(all))
	}
}

func TestRun_IndexesRebuilds(t *testing.T) {
	t.Parallel()
	conns := weatherAndCalendar()
	reg := newRegistry(t, conns...)
	emb := newEmbedder()
	ix := toolindex.New(emb, toolindex.WithLogger(quiet()))
	ix.Attach(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ix.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitVersion := func(want uint64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for ix.Version() < want {
			if time.Now().After(deadline) {
				t.Fatalf("index stuck at version %d, want %d", ix.Version(), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitVersion(reg.Snapshot().Version)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitVersion(reg.Snapshot().Version)
}

func TestMemoryStore_DimensionMismatch(t *testing.T) {
	t.Parallel()
	s := toolindex.NewMemoryStore()
	err := s.Replace(context.Background(), []toolindex.Entry{
		{Name: "a", Vector: []float32{1, 0}},
		{Name: "b", Vector: []float32{1, 0, 0}},
	})
	if !errors.Is(err, toolindex.ErrDimensionMismatch) {
		t.Fatalf("Replace err = %v, want ErrDimensionMismatch", err)
	}

	if err := s.Replace(context.Background(), []toolindex.Entry{{Name: "a", Vector: []float32{1, 0}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Search(context.Background(), []float32{1}, 1); !errors.Is(err, toolindex.ErrDimensionMismatch) {
		t.Errorf("Search err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMemoryStore_VectorsByModel(t *testing.T) {
	t.Parallel()
	s := toolindex.NewMemoryStore()
	_ = s.Replace(context.Background(), []toolindex.Entry{
		{Name: "a", Text: "a: x", Model: "m1", Vector: []float32{1}},
		{Name: "b", Text: "b: y", Model: "m2", Vector: []float32{2}},
	})
	got, err := s.Vectors(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["a: x"][0] != 1 {
		t.Errorf("Vectors(m1) = %v", got)
	}
}
