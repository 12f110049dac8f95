// Package types holds the data model shared across Subspace packages:
// memory blocks, priorities, actions, brain requests, messages and tasks.
package types

import (
	"fmt"
	"strings"
	"time"
)

// BlockType discriminates the tagged union of memory block payloads.
type BlockType string

const (
	BlockFile        BlockType = "file"
	BlockMessage     BlockType = "message"
	BlockObservation BlockType = "observation"
	BlockTask        BlockType = "task"
	BlockKnowledge   BlockType = "knowledge"
	BlockStatus      BlockType = "status"
	BlockHistory     BlockType = "history"
	BlockContext     BlockType = "context"
	BlockCycleState  BlockType = "cycle-state"
)

// Valid reports whether t is one of the nine closed block types.
func (t BlockType) Valid() bool {
	switch t {
	case BlockFile, BlockMessage, BlockObservation, BlockTask, BlockKnowledge,
		BlockStatus, BlockHistory, BlockContext, BlockCycleState:
		return true
	}
	return false
}

// Priority ranks a memory block for selection purposes.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Ordinal orders priorities from most (0) to least urgent, for the
// Selector's per-class ranking loop.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Scope is the first segment of a BlockID, matching spec.md's two
// visibility domains.
type Scope string

const (
	ScopePersonal Scope = "personal"
	ScopeGrid     Scope = "grid"
)

// BlockID is the stable identifier form `<scope>:<type>:<semantic-path>[:<hash>]`.
// Parsing rejects a second scope prefix so IDs never double-prefix.
type BlockID string

// NewBlockID builds a BlockID from its parts. hash may be empty.
func NewBlockID(scope Scope, typ BlockType, semanticPath, hash string) BlockID {
	if hash == "" {
		return BlockID(fmt.Sprintf("%s:%s:%s", scope, typ, semanticPath))
	}
	return BlockID(fmt.Sprintf("%s:%s:%s:%s", scope, typ, semanticPath, hash))
}

// ParsedBlockID holds the decomposed parts of a BlockID.
type ParsedBlockID struct {
	Scope        Scope
	Type         BlockType
	SemanticPath string
	Hash         string
}

// Parse decomposes a BlockID, rejecting double-prefixed identifiers
// (a semantic path that itself begins with "personal:" or "grid:").
func (id BlockID) Parse() (ParsedBlockID, error) {
	parts := strings.SplitN(string(id), ":", 4)
	if len(parts) < 3 {
		return ParsedBlockID{}, fmt.Errorf("types: malformed block id %q", id)
	}
	scope := Scope(parts[0])
	if scope != ScopePersonal && scope != ScopeGrid {
		return ParsedBlockID{}, fmt.Errorf("types: unknown scope %q in block id %q", parts[0], id)
	}
	typ := BlockType(parts[1])
	if !typ.Valid() {
		return ParsedBlockID{}, fmt.Errorf("types: unknown block type %q in block id %q", parts[1], id)
	}
	semanticPath := parts[2]
	hash := ""
	if len(parts) == 4 {
		hash = parts[3]
	}
	rest := strings.SplitN(string(id), ":", 3)[2]
	if strings.HasPrefix(rest, "personal:") || strings.HasPrefix(rest, "grid:") {
		return ParsedBlockID{}, fmt.Errorf("types: double-prefixed block id %q", id)
	}
	return ParsedBlockID{Scope: scope, Type: typ, SemanticPath: semanticPath, Hash: hash}, nil
}

// Header carries the fields common to every memory block regardless of
// its payload subtype.
type Header struct {
	ID         BlockID        `json:"id"`
	Priority   Priority       `json:"priority"`
	Confidence float64        `json:"confidence"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Pinned     bool           `json:"pinned"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FilePayload is the File memory block subtype.
type FilePayload struct {
	Path        string `json:"path"`
	LineStart   int    `json:"line_start,omitempty"`
	LineEnd     int    `json:"line_end,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// MessagePayload is the Message memory block subtype.
type MessagePayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Preview   string `json:"preview"`
	Path      string `json:"path"`
	Read      bool   `json:"read"`
}

// ObservationPayload is the Observation memory block subtype.
type ObservationPayload struct {
	Kind      string    `json:"kind"` // new_file | modified | removed | access_error
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
}

// KnowledgePayload is the Knowledge memory block subtype.
type KnowledgePayload struct {
	Topic     []string `json:"topic"`
	Relevance float64  `json:"relevance"`
}

// TaskPayload is the Task/Goal memory block subtype.
type TaskPayload struct {
	Identifier  string   `json:"identifier"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Links       []string `json:"links,omitempty"`
}

// Block is the tagged union of a memory block: Header plus exactly one
// populated payload field selected by the Type field.
type Block struct {
	Header
	Type BlockType `json:"type"`

	File        *FilePayload        `json:"file,omitempty"`
	Message     *MessagePayload     `json:"message,omitempty"`
	Observation *ObservationPayload `json:"observation,omitempty"`
	Knowledge   *KnowledgePayload   `json:"knowledge,omitempty"`
	Task        *TaskPayload        `json:"task,omitempty"`

	// Raw carries opaque content for status/history/context/cycle-state
	// blocks, whose shape varies by producer.
	Raw string `json:"raw,omitempty"`
}

// Clone returns a deep-enough copy for snapshot round-tripping (payload
// pointers are copied, not aliased).
func (b *Block) Clone() *Block {
	cp := *b
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		cp.ExpiresAt = &t
	}
	if b.Metadata != nil {
		cp.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	if b.File != nil {
		f := *b.File
		cp.File = &f
	}
	if b.Message != nil {
		m := *b.Message
		cp.Message = &m
	}
	if b.Observation != nil {
		o := *b.Observation
		cp.Observation = &o
	}
	if b.Knowledge != nil {
		k := *b.Knowledge
		cp.Knowledge = &k
		cp.Knowledge.Topic = append([]string(nil), b.Knowledge.Topic...)
	}
	if b.Task != nil {
		t := *b.Task
		cp.Task = &t
		cp.Task.Links = append([]string(nil), b.Task.Links...)
	}
	return &cp
}
