package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mindswarm/subspace/pkg/types"
)

// Format selects the rendering of Build's output, replacing the
// teacher's fast/smart lane split with a cyber-supplied choice.
type Format string

const (
	FormatStructured Format = "structured"
	FormatJSON       Format = "json"
	FormatNarrative  Format = "narrative"
)

// ContentProvider resolves a block's body text on demand, so the
// ContextBuilder only loads content for blocks actually selected,
// matching spec.md §4.5's laziness invariant.
type ContentProvider interface {
	Load(block *types.Block) (string, error)
}

// ContextBuilder renders a Selection into an LLM-ready context string,
// grounded on the teacher's lane-based prompt assembly in
// internal/memory/context_builder.go.
type ContextBuilder struct {
	content ContentProvider
}

// NewContextBuilder returns a ContextBuilder that loads file content
// through content.
func NewContextBuilder(content ContentProvider) *ContextBuilder {
	return &ContextBuilder{content: content}
}

// Build renders selection deterministically: identical inputs yield
// byte-identical output, per spec.md §4.5 and testable property 6.
func (cb *ContextBuilder) Build(selection Selection, format Format) (string, error) {
	groups := groupByType(selection.Blocks)

	switch format {
	case FormatJSON:
		return cb.buildJSON(groups)
	case FormatNarrative:
		return cb.buildNarrative(groups)
	default:
		return cb.buildStructured(groups)
	}
}

func groupByType(blocks []*types.Block) map[types.BlockType][]*types.Block {
	groups := make(map[types.BlockType][]*types.Block)
	for _, b := range blocks {
		groups[b.Type] = append(groups[b.Type], b)
	}
	return groups
}

// orderedTypes fixes a deterministic rendering order across all
// formats.
var orderedTypes = []types.BlockType{
	types.BlockStatus, types.BlockCycleState, types.BlockContext,
	types.BlockTask, types.BlockMessage, types.BlockObservation,
	types.BlockFile, types.BlockKnowledge, types.BlockHistory,
}

func (cb *ContextBuilder) buildStructured(groups map[types.BlockType][]*types.Block) (string, error) {
	var sb strings.Builder
	for _, t := range orderedTypes {
		blocks := groups[t]
		if len(blocks) == 0 {
			continue
		}
		sortByIDStable(blocks)
		fmt.Fprintf(&sb, "## %s\n", strings.ToUpper(string(t)))
		for _, b := range blocks {
			fmt.Fprintf(&sb, "- [%s|%s] %s", b.ID, b.Priority, summarize(b))
			if len(b.Metadata) > 0 {
				fmt.Fprintf(&sb, " (meta: %s)", renderMetadata(b.Metadata))
			}
			sb.WriteString("\n")
			if b.Type == types.BlockFile && cb.content != nil {
				content, err := cb.content.Load(b)
				if err != nil {
					fmt.Fprintf(&sb, "  <content unavailable: %v>\n", err)
				} else {
					fmt.Fprintf(&sb, "  ```\n  %s\n  ```\n", strings.ReplaceAll(content, "\n", "\n  "))
				}
			}
		}
	}
	return sb.String(), nil
}

func (cb *ContextBuilder) buildNarrative(groups map[types.BlockType][]*types.Block) (string, error) {
	var sb strings.Builder
	for _, t := range orderedTypes {
		blocks := groups[t]
		if len(blocks) == 0 {
			continue
		}
		sortByIDStable(blocks)
		for _, b := range blocks {
			fmt.Fprintf(&sb, "%s (priority %s): %s\n", strings.ToUpper(string(t)), b.Priority, summarize(b))
		}
	}
	return sb.String(), nil
}

type jsonBlock struct {
	ID         string         `json:"id"`
	Type       types.BlockType `json:"type"`
	Priority   types.Priority  `json:"priority"`
	Confidence float64         `json:"confidence"`
	Summary    string          `json:"summary"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Content    string          `json:"content,omitempty"`
}

func (cb *ContextBuilder) buildJSON(groups map[types.BlockType][]*types.Block) (string, error) {
	out := map[string][]jsonBlock{}
	for _, t := range orderedTypes {
		blocks := groups[t]
		if len(blocks) == 0 {
			continue
		}
		sortByIDStable(blocks)
		entries := make([]jsonBlock, 0, len(blocks))
		for _, b := range blocks {
			jb := jsonBlock{
				ID: string(b.ID), Type: b.Type, Priority: b.Priority,
				Confidence: b.Confidence, Summary: summarize(b), Metadata: b.Metadata,
			}
			if b.Type == types.BlockFile && cb.content != nil {
				if content, err := cb.content.Load(b); err == nil {
					jb.Content = content
				}
			}
			entries = append(entries, jb)
		}
		out[string(t)] = entries
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortByIDStable(blocks []*types.Block) {
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })
}

func renderMetadata(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func summarize(b *types.Block) string {
	switch b.Type {
	case types.BlockFile:
		if b.File != nil {
			return b.File.Path
		}
	case types.BlockMessage:
		if b.Message != nil {
			return fmt.Sprintf("%s -> %s: %s", b.Message.Sender, b.Message.Recipient, b.Message.Subject)
		}
	case types.BlockObservation:
		if b.Observation != nil {
			return fmt.Sprintf("%s %s", b.Observation.Kind, b.Observation.Path)
		}
	case types.BlockKnowledge:
		if b.Knowledge != nil {
			return strings.Join(b.Knowledge.Topic, " / ")
		}
	case types.BlockTask:
		if b.Task != nil {
			return fmt.Sprintf("%s [%s] %s", b.Task.Identifier, b.Task.Status, b.Task.Description)
		}
	}
	return b.Raw
}
