// Package contextmgr aggregates side-channel output produced during a
// workflow phase (metadata, partial results, warnings) into a single
// deduplicated, ordered payload injected at the next phase boundary.
package contextmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// Contribution is one unit of side-channel content offered by a producer.
// The ordering key is assigned at producer registration and fixes the
// contribution's position in the flushed payload. The fingerprint is the
// SHA-256 of the whitespace-normalized content and drives deduplication.
type Contribution struct {
	Producer    string
	Key         int
	Content     string
	Fingerprint string
}

// FlushResult carries the surviving contributions of one phase boundary.
type FlushResult struct {
	Entries []Contribution
	Elided  int // contributions dropped to fit the token budget
}

// Payload renders the surviving contributions as one injection payload.
func (r FlushResult) Payload() string {
	parts := make([]string, 0, len(r.Entries))
	for _, entry := range r.Entries {
		parts = append(parts, entry.Content)
	}
	return strings.Join(parts, "\n\n")
}

// Empty reports whether the flush produced no content.
func (r FlushResult) Empty() bool {
	return len(r.Entries) == 0
}

// Collector accepts contributions from independent producers in any order
// and resolves them into a deterministic payload. Contributions with the
// same fingerprint collapse to the one with the earliest ordering key;
// later duplicates are dropped, not merged. Safe for concurrent producers.
type Collector struct {
	mu        sync.Mutex
	keys      map[string]int          // producer -> ordering key
	entries   map[string]Contribution // fingerprint -> winning contribution
	counter   *utils.TokenCounter
	maxTokens int // 0 disables the payload budget
	logger    *logx.Logger
}

// NewCollector creates a collector with no payload budget.
func NewCollector() *Collector {
	return NewCollectorWithBudget(0)
}

// NewCollectorWithBudget creates a collector whose flushed payload is capped
// at maxPayloadTokens. Contributions with the highest ordering keys are
// elided first when the budget is exceeded. A budget of 0 disables the cap.
func NewCollectorWithBudget(maxPayloadTokens int) *Collector {
	// Fall back to character-based estimation if no codec is available.
	counter, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		counter = nil
	}
	return &Collector{
		keys:      make(map[string]int),
		entries:   make(map[string]Contribution),
		counter:   counter,
		maxTokens: maxPayloadTokens,
		logger:    logx.NewLogger("collector"),
	}
}

// RegisterProducer assigns the producer its ordering key. Keys follow
// registration order and are stable for the life of the collector:
// registering the same producer again returns the existing key.
func (c *Collector) RegisterProducer(producer string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[producer]; ok {
		return key
	}
	key := len(c.keys) + 1
	c.keys[producer] = key
	return key
}

// Add records a contribution from a registered producer. Content that
// normalizes to nothing is ignored. A contribution whose fingerprint matches
// an already-held entry is dropped unless its ordering key is earlier, in
// which case it replaces the entry, so the flushed payload is a pure
// function of the contribution set rather than of arrival order.
func (c *Collector) Add(producer, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.keys[producer]
	if !ok {
		return fmt.Errorf("unregistered producer %q: call RegisterProducer before contributing", producer)
	}

	normalized := normalizeContent(content)
	if normalized == "" {
		return nil
	}

	contribution := Contribution{
		Producer:    producer,
		Key:         key,
		Content:     strings.TrimSpace(content),
		Fingerprint: fingerprint(normalized),
	}

	if existing, dup := c.entries[contribution.Fingerprint]; dup {
		if contribution.Key < existing.Key {
			c.entries[contribution.Fingerprint] = contribution
		} else {
			c.logger.Debug("Dropped duplicate contribution from %s (content already held under key %d)", producer, existing.Key)
		}
		return nil
	}

	c.entries[contribution.Fingerprint] = contribution
	return nil
}

// Flush returns the surviving contributions ordered by ordering key and
// empties the collector. It is consumed exactly once per phase boundary:
// flushing an already-emptied collector returns an empty result. Two
// contributions sharing a producer share its key and are ordered by
// fingerprint, so the output never depends on arrival order.
func (c *Collector) Flush() FlushResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return FlushResult{}
	}

	entries := c.sortedEntries()
	c.entries = make(map[string]Contribution)

	result := FlushResult{Entries: entries}
	if c.maxTokens > 0 {
		result = c.enforceBudget(entries)
	}
	if result.Elided > 0 {
		c.logger.Warn("⚠️ Context payload over budget: elided %d of %d contributions (budget %d tokens)",
			result.Elided, len(entries), c.maxTokens)
	}
	return result
}

// Clear drops all held contributions without producing a payload.
// Producer registrations survive.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Contribution)
}

// GetContributionCount returns the number of contributions currently held.
func (c *Collector) GetContributionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetContributions returns a copy of the currently-held contributions in
// flush order without consuming them.
func (c *Collector) GetContributions() []Contribution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedEntries()
}

// GetSummary returns a brief summary of collector state.
func (c *Collector) GetSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return "Empty collector"
	}

	tokenCount := 0
	producerCounts := make(map[string]int)
	for _, entry := range c.entries {
		tokenCount += c.countTokens(entry.Content)
		producerCounts[entry.Producer]++
	}

	var producerBreakdown []string
	for producer, count := range producerCounts {
		producerBreakdown = append(producerBreakdown, fmt.Sprintf("%s: %d", producer, count))
	}
	sort.Strings(producerBreakdown)

	return fmt.Sprintf("%d contributions (%d tokens) - %s",
		len(c.entries), tokenCount, strings.Join(producerBreakdown, ", "))
}

// sortedEntries returns held contributions in flush order. Caller holds c.mu.
func (c *Collector) sortedEntries() []Contribution {
	entries := make([]Contribution, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
	return entries
}

// enforceBudget keeps contributions in key order while their cumulative
// token count fits the budget. The first contribution always survives,
// truncated if it alone exceeds the budget.
func (c *Collector) enforceBudget(entries []Contribution) FlushResult {
	kept := make([]Contribution, 0, len(entries))
	total := 0
	for i := range entries {
		tokens := c.countTokens(entries[i].Content)
		if len(kept) == 0 && tokens > c.maxTokens {
			entries[i].Content = c.truncate(entries[i].Content, c.maxTokens)
			kept = append(kept, entries[i])
			total = c.maxTokens
			continue
		}
		if total+tokens > c.maxTokens {
			return FlushResult{Entries: kept, Elided: len(entries) - len(kept)}
		}
		kept = append(kept, entries[i])
		total += tokens
	}
	return FlushResult{Entries: kept}
}

func (c *Collector) countTokens(text string) int {
	if c.counter == nil {
		return len(text) / 4
	}
	return c.counter.CountTokens(text)
}

func (c *Collector) truncate(text string, limit int) string {
	if c.counter != nil {
		return c.counter.TruncateToTokenLimit(text, limit)
	}
	charLimit := limit * 4
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// normalizeContent collapses whitespace runs to single spaces and trims, so
// formatting differences do not defeat deduplication.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// fingerprint returns the hex SHA-256 of normalized content.
func fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
