package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/hollis/mnemo/internal/llm"
	"github.com/hollis/mnemo/internal/store"
)

// SummaryGroup is the result of compressing related records into one.
type SummaryGroup struct {
	SummaryText      string   `json:"summary_text"`
	Topics           []string `json:"topics"`
	CompressionRatio float64  `json:"compression_ratio"` // summary len / combined len
}

// Summarizer compresses a group of related records into one summary.
type Summarizer interface {
	SummarizeGroup(ctx context.Context, topic string, records []store.MemoryRecord) (*SummaryGroup, error)
}

// LLMSummarizer asks an LLM for the summary, falling back to a
// deterministic extractive summary when the provider fails.
type LLMSummarizer struct {
	client llm.Client
}

// NewLLMSummarizer wraps an LLM client. A nil client means extractive-only.
func NewLLMSummarizer(client llm.Client) *LLMSummarizer {
	return &LLMSummarizer{client: client}
}

// SummarizeGroup produces one summary for the group. Provider failure is
// not an error for the caller; the extractive path always succeeds.
func (s *LLMSummarizer) SummarizeGroup(ctx context.Context, topic string, records []store.MemoryRecord) (*SummaryGroup, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("summarize: empty group")
	}

	combined := 0
	contents := make([]string, len(records))
	for i, r := range records {
		contents[i] = r.Content
		combined += len(r.Content)
	}

	if s.client != nil {
		group, err := s.summarizeLLM(ctx, topic, contents, combined)
		if err == nil {
			return group, nil
		}
		log.Printf("summarizer: provider failed, using extractive fallback: %v", err)
	}

	return extractiveSummary(topic, records, combined), nil
}

func (s *LLMSummarizer) summarizeLLM(ctx context.Context, topic string, contents []string, combined int) (*SummaryGroup, error) {
	resp, err := s.client.Complete(ctx, llm.SummaryPrompt(topic, contents))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Summary string   `json:"summary"`
		Topics  []string `json:"topics"`
	}
	content := stripCodeFence(resp.Content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return nil, fmt.Errorf("empty summary in response")
	}

	topics := parsed.Topics
	if len(topics) == 0 {
		topics = []string{topic}
	}
	return &SummaryGroup{
		SummaryText:      strings.TrimSpace(parsed.Summary),
		Topics:           topics,
		CompressionRatio: ratio(len(parsed.Summary), combined),
	}, nil
}

// extractiveSummary keeps the lead sentence of each record, most important
// records first. Deterministic: same inputs, same summary.
func extractiveSummary(topic string, records []store.MemoryRecord, combined int) *SummaryGroup {
	ordered := append([]store.MemoryRecord(nil), records...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Importance != ordered[j].Importance {
			return ordered[i].Importance > ordered[j].Importance
		}
		return ordered[i].ID < ordered[j].ID
	})

	seen := make(map[string]bool)
	var parts []string
	for _, rec := range ordered {
		sentences := splitSentences(rec.Content)
		if len(sentences) == 0 {
			continue
		}
		lead := sentences[0]
		key := strings.ToLower(lead)
		if seen[key] {
			continue
		}
		seen[key] = true
		parts = append(parts, lead)
	}

	text := strings.Join(parts, " ")
	return &SummaryGroup{
		SummaryText:      text,
		Topics:           []string{topic},
		CompressionRatio: ratio(len(text), combined),
	}
}

func ratio(summaryLen, combinedLen int) float64 {
	if combinedLen == 0 {
		return 0
	}
	return float64(summaryLen) / float64(combinedLen)
}

// stripCodeFence removes surrounding markdown code fences from LLM output.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	return strings.TrimSpace(content)
}
