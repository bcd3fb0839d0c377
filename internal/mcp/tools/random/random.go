// Package random provides built-in tools that produce random values: dice
// style rolls, picks from a caller-supplied list and fresh UUIDs.
package random

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/toolrelay/internal/mcp/tools"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// Upper bounds keep a single call cheap.
const (
	maxDice  = 100
	maxSides = 1_000_000
	maxPicks = 100
	maxUUIDs = 50
)

type rollArgs struct {
	Expression string `json:"expression"`
}

type rollResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier,omitempty"`
	Total      int    `json:"total"`
}

type pickArgs struct {
	Options []string `json:"options"`
	Count   int      `json:"count,omitempty"`
}

type pickResult struct {
	Picked []string `json:"picked"`
}

type uuidArgs struct {
	Count int `json:"count,omitempty"`
}

// parseExpression reads NdS, NdS+M or NdS-M. N defaults to 1.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	before, after, ok := strings.Cut(expr, "d")
	if !ok {
		return 0, 0, 0, fmt.Errorf("random: expression %q has no 'd'", expr)
	}

	count = 1
	if before != "" {
		if count, err = strconv.Atoi(before); err != nil {
			return 0, 0, 0, fmt.Errorf("random: bad dice count %q", before)
		}
	}
	if count < 1 || count > maxDice {
		return 0, 0, 0, fmt.Errorf("random: dice count must be between 1 and %d, got %d", maxDice, count)
	}

	sidesStr, modStr, sign := after, "", 1
	i := strings.IndexAny(after, "+-")
	if i >= 0 {
		sidesStr, modStr = after[:i], after[i+1:]
		if after[i] == '-' {
			sign = -1
		}
	}
	if sides, err = strconv.Atoi(sidesStr); err != nil {
		return 0, 0, 0, fmt.Errorf("random: bad sides %q", sidesStr)
	}
	if sides < 1 || sides > maxSides {
		return 0, 0, 0, fmt.Errorf("random: sides must be between 1 and %d, got %d", maxSides, sides)
	}
	if i >= 0 {
		m, err := strconv.Atoi(modStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("random: bad modifier %q", modStr)
		}
		modifier = sign * m
	}
	return count, sides, modifier, nil
}

func roll(_ context.Context, raw json.RawMessage) (tools.Result, error) {
	var a rollArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return tools.Result{}, fmt.Errorf("random: parse arguments: %w", err)
	}
	if strings.TrimSpace(a.Expression) == "" {
		return tools.Result{}, errors.New("random: expression must not be empty")
	}
	count, sides, modifier, err := parseExpression(a.Expression)
	if err != nil {
		return tools.Result{}, err
	}
	res := rollResult{Expression: a.Expression, Rolls: make([]int, count), Modifier: modifier, Total: modifier}
	for i := range count {
		r := rand.IntN(sides) + 1
		res.Rolls[i] = r
		res.Total += r
	}
	return tools.JSON(res)
}

// pick draws without replacement.
func pick(_ context.Context, raw json.RawMessage) (tools.Result, error) {
	var a pickArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return tools.Result{}, fmt.Errorf("random: parse arguments: %w", err)
	}
	if len(a.Options) == 0 {
		return tools.Result{}, errors.New("random: options must not be empty")
	}
	if a.Count == 0 {
		a.Count = 1
	}
	if a.Count < 1 || a.Count > min(len(a.Options), maxPicks) {
		return tools.Result{}, fmt.Errorf("random: count must be between 1 and %d, got %d", min(len(a.Options), maxPicks), a.Count)
	}
	perm := rand.Perm(len(a.Options))
	out := pickResult{Picked: make([]string, a.Count)}
	for i := range a.Count {
		out.Picked[i] = a.Options[perm[i]]
	}
	return tools.JSON(out)
}

func newUUIDs(_ context.Context, raw json.RawMessage) (tools.Result, error) {
	var a uuidArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return tools.Result{}, fmt.Errorf("random: parse arguments: %w", err)
	}
	if a.Count == 0 {
		a.Count = 1
	}
	if a.Count < 1 || a.Count > maxUUIDs {
		return tools.Result{}, fmt.Errorf("random: count must be between 1 and %d, got %d", maxUUIDs, a.Count)
	}
	ids := make([]string, a.Count)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	return tools.Text(strings.Join(ids, "\n")), nil
}

// Tools returns roll, pick and uuid.
func Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "roll",
				Description: "Roll dice using NdS notation with an optional modifier, such as 2d6+3 or d20. Returns each die and the total.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": "Dice expression, e.g. 2d6+3, 1d20, 4d8-1",
						},
					},
					"required": []string{"expression"},
				},
			},
			Handler: roll,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "pick",
				Description: "Pick one or more distinct entries at random from a list of options.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"options": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Entries to choose from.",
						},
						"count": map[string]any{
							"type":        "integer",
							"description": "How many entries to pick. Defaults to 1.",
						},
					},
					"required": []string{"options"},
				},
			},
			Handler: pick,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "uuid",
				Description: "Generate random version 4 UUIDs, one per line.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"count": map[string]any{
							"type":        "integer",
							"description": "How many UUIDs to generate. Defaults to 1.",
						},
					},
				},
			},
			Handler: newUUIDs,
		},
	}
}
