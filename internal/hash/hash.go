// Package hash computes the content hashes that drive cache reuse and
// reprocessing decisions. Equal digests must imply equal processing output for
// the same node kind, so all hashing is sha256 over a canonical JSON form.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rowforge/rowforge/pkg/models"
)

// NodeHash computes a node's content hash from its kind, the kind-specific
// allowlist of semantically relevant config fields, and the hashes of its
// direct upstream nodes. Upstream hashes are sorted so that link ordering
// does not affect the digest. Fields outside the allowlist (names, UI labels,
// concurrency tuning) never affect the hash.
func NodeHash(nodeType models.NodeType, config json.RawMessage, upstreamHashes []string) (string, error) {
	fields, err := relevantConfigFields(nodeType, config)
	if err != nil {
		return "", err
	}

	upstream := append([]string(nil), upstreamHashes...)
	sort.Strings(upstream)

	return hashJSON(struct {
		Type     models.NodeType   `json:"type"`
		Config   map[string]string `json:"config"`
		Upstream []string          `json:"upstream"`
	}{nodeType, fields, upstream})
}

// EntryInputHash computes the content hash of a row's input payload.
func EntryInputHash(input models.EntryInput) (string, error) {
	return hashJSON(input)
}

// EntryOutputHash computes the content hash of a row's output payload.
func EntryOutputHash(output models.EntryOutput) (string, error) {
	return hashJSON(output)
}

// PromptHash computes the content hash of a resolved prompt: the model plus
// the fully substituted message list sent to the provider.
func PromptHash(model string, messages []models.ChatMessage) (string, error) {
	return hashJSON(struct {
		Model    string               `json:"model"`
		Messages []models.ChatMessage `json:"messages"`
	}{model, messages})
}

// relevantConfigFields returns the per-kind allowlisted config fields. Kinds
// whose transform does not depend on config hash to an empty field set.
func relevantConfigFields(nodeType models.NodeType, config json.RawMessage) (map[string]string, error) {
	switch nodeType {
	case models.NodeTypeLLMRelabel:
		var cfg models.LLMRelabelConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("parse llm_relabel config: %w", err)
			}
		}
		return map[string]string{
			"model":        cfg.Model,
			"instructions": cfg.Instructions,
		}, nil
	case models.NodeTypeArchive, models.NodeTypeDataset:
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
}

// hashJSON digests the canonical JSON encoding of v. encoding/json emits
// struct fields in declaration order and map keys sorted, which is stable
// across runs.
func hashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
