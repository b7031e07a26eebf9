package bot

import (
	"testing"

	"github.com/sokobot/sokobot/internal/catalog"
	"github.com/sokobot/sokobot/internal/llm"
)

var testProducts = []catalog.Product{
	{ID: "p1", Name: "Leather Sofa", Images: []string{"u1a", "u1b"}},
	{ID: "p2", Name: "Coffee Table", Images: []string{"u2a"}},
	{ID: "p3", Name: "No Photos Chair"},
	{ID: "p4", Name: "Gallery Bed", Images: []string{"g1", "g2", "g3", "g4", "g5", "g6", "g7"}},
}

func TestReduceToolCallsLastDisplayWins(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "p1"}},
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "p2"}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())

	if len(effects.Images) != 1 || effects.Images[0].URL != "u2a" {
		t.Fatalf("staged %+v, want only p2's image", effects.Images)
	}
	if effects.Images[0].Caption != "Coffee Table" {
		t.Errorf("first image caption = %q, want product name", effects.Images[0].Caption)
	}
}

func TestReduceToolCallsUnknownProductKeepsEarlierSelection(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "p1"}},
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "nope"}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())

	if len(effects.Images) != 2 || effects.Images[0].URL != "u1a" {
		t.Fatalf("staged %+v, want p1's images to survive the unresolved call", effects.Images)
	}
}

func TestReduceToolCallsCapsImages(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "p4"}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())

	if len(effects.Images) != maxImagesPerTurn {
		t.Fatalf("staged %d images, want %d", len(effects.Images), maxImagesPerTurn)
	}
	if effects.Images[0].Caption != "Gallery Bed" {
		t.Errorf("first caption = %q", effects.Images[0].Caption)
	}
	for i, img := range effects.Images[1:] {
		if img.Caption != "" {
			t.Errorf("image %d caption = %q, want empty", i+1, img.Caption)
		}
	}
}

func TestReduceToolCallsProductWithoutImages(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "p3"}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())
	if len(effects.Images) != 0 {
		t.Fatalf("staged %+v for a product with no photos", effects.Images)
	}
}

func TestReduceToolCallsEscalationIsSticky(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: toolEscalateToAdmin, Arguments: map[string]any{"reason": "wants to pay"}},
		{Name: toolDisplayProduct, Arguments: map[string]any{"product_id": "p1"}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())

	if !effects.Escalate {
		t.Fatal("escalation not recorded")
	}
	if effects.EscalateReason != "wants to pay" {
		t.Errorf("reason = %q", effects.EscalateReason)
	}
}

func TestReduceToolCallsUnknownToolIgnored(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: "made_up_tool", Arguments: map[string]any{"x": 1}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())
	if effects.Escalate || len(effects.Images) != 0 {
		t.Fatalf("unknown tool produced effects: %+v", effects)
	}
}

func TestReduceToolCallsMissingArgument(t *testing.T) {
	calls := []llm.ToolCall{
		{Name: toolDisplayProduct, Arguments: map[string]any{}},
	}
	effects := reduceToolCalls(calls, testProducts, discardLogger())
	if len(effects.Images) != 0 {
		t.Fatalf("missing product_id staged %+v", effects.Images)
	}
}
