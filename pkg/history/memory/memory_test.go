package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/toolrelay/pkg/history"
	"github.com/MrWong99/toolrelay/pkg/history/memory"
	"github.com/MrWong99/toolrelay/pkg/types"
)

func TestStore_AppendAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	if err := s.EnsureSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("EnsureSession is not idempotent: %v", err)
	}

	msgs := []types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "t", Arguments: "{}"}}},
		{Role: types.RoleTool, ToolCallID: "c1", Content: "ok"},
	}
	for i, m := range msgs {
		rec, err := s.AppendMessage(ctx, "s1", m, map[string]any{"hop": i})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if rec.ID == "" || rec.Seq != int64(i+1) || rec.Timestamp.IsZero() {
			t.Errorf("record %d = %+v", i, rec)
		}
	}

	recs, err := s.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	got := history.Messages(recs)
	if len(got) != 3 || got[0].Content != "hi" || got[2].ToolCallID != "c1" {
		t.Errorf("messages = %+v", got)
	}
	if recs[1].Metadata["hop"] != 1 {
		t.Errorf("metadata = %v", recs[1].Metadata)
	}

	// Stored records are isolated from caller mutation.
	recs[1].Message.ToolCalls[0].Name = "mutated"
	again, _ := s.GetMessages(ctx, "s1")
	if again[1].Message.ToolCalls[0].Name != "t" {
		t.Error("stored record was mutated through returned slice")
	}
}

func TestStore_UnknownSession(t *testing.T) {
	t.Parallel()
	s := memory.New()
	if _, err := s.AppendMessage(context.Background(), "nope", types.Message{Role: types.RoleUser}, nil); !errors.Is(err, history.ErrSessionNotFound) {
		t.Errorf("append err = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.GetMessages(context.Background(), "nope"); !errors.Is(err, history.ErrSessionNotFound) {
		t.Errorf("get err = %v, want ErrSessionNotFound", err)
	}
	if err := s.EnsureSession(context.Background(), ""); err == nil {
		t.Error("empty session id accepted")
	}
}

func TestStore_ConcurrentAppendsKeepSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()
	_ = s.EnsureSession(ctx, "s")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AppendMessage(ctx, "s", types.Message{Role: types.RoleUser, Content: fmt.Sprint(i)}, nil)
		}()
	}
	wg.Wait()

	recs, _ := s.GetMessages(ctx, "s")
	if len(recs) != 50 {
		t.Fatalf("len = %d, want 50", len(recs))
	}
	for i, r := range recs {
		if r.Seq != int64(i+1) {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
	}
}
