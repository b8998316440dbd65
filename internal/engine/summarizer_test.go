package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hollis/mnemo/internal/llm"
	"github.com/hollis/mnemo/internal/store"
)

func summaryRecords() []store.MemoryRecord {
	return []store.MemoryRecord{
		{ID: "m2", Content: "Lunch plans fell through. Rescheduled for Friday.", Importance: 0.3},
		{ID: "m1", Content: "Team lunch was pleasant.", Importance: 0.3},
		{ID: "m3", Content: "Picked a new lunch spot downtown.", Importance: 0.5},
	}
}

func TestSummarizeGroupEmptyErrors(t *testing.T) {
	s := NewLLMSummarizer(nil)
	if _, err := s.SummarizeGroup(context.Background(), "lunch", nil); err == nil {
		t.Error("empty group should error")
	}
}

func TestExtractiveSummaryDeterministic(t *testing.T) {
	s := NewLLMSummarizer(nil)

	group, err := s.SummarizeGroup(context.Background(), "lunch", summaryRecords())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	// Most important first, ties broken by ID
	want := "Picked a new lunch spot downtown. Team lunch was pleasant. Lunch plans fell through."
	if group.SummaryText != want {
		t.Errorf("summary = %q, want %q", group.SummaryText, want)
	}
	if len(group.Topics) != 1 || group.Topics[0] != "lunch" {
		t.Errorf("topics = %v, want [lunch]", group.Topics)
	}
	if group.CompressionRatio <= 0 || group.CompressionRatio >= 1 {
		t.Errorf("compression ratio = %f", group.CompressionRatio)
	}

	again, err := s.SummarizeGroup(context.Background(), "lunch", summaryRecords())
	if err != nil {
		t.Fatal(err)
	}
	if again.SummaryText != group.SummaryText {
		t.Error("summary not deterministic")
	}
}

func TestExtractiveSummaryDedupsLeads(t *testing.T) {
	records := []store.MemoryRecord{
		{ID: "m1", Content: "Same lead sentence here. Extra detail.", Importance: 0.3},
		{ID: "m2", Content: "same lead sentence here. Other detail.", Importance: 0.3},
	}
	s := NewLLMSummarizer(nil)
	group, err := s.SummarizeGroup(context.Background(), "t", records)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(strings.ToLower(group.SummaryText), "same lead sentence here") != 1 {
		t.Errorf("duplicate lead kept: %q", group.SummaryText)
	}
}

func TestSummarizeLLMPath(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{
		Content:  "```json\n{\"summary\": \"Lunch logistics settled.\", \"topics\": [\"lunch\", \"planning\"]}\n```",
		Provider: "mock",
	}}
	s := NewLLMSummarizer(mock)

	group, err := s.SummarizeGroup(context.Background(), "lunch", summaryRecords())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if group.SummaryText != "Lunch logistics settled." {
		t.Errorf("summary = %q", group.SummaryText)
	}
	if len(group.Topics) != 2 || group.Topics[1] != "planning" {
		t.Errorf("topics = %v", group.Topics)
	}
	if len(mock.Calls) != 1 {
		t.Errorf("provider called %d times", len(mock.Calls))
	}
	if !strings.Contains(mock.Calls[0], "Team lunch was pleasant.") {
		t.Error("prompt missing record content")
	}
}

func TestSummarizeLLMFallback(t *testing.T) {
	tests := []struct {
		name string
		mock *llm.MockClient
	}{
		{"provider error", &llm.MockClient{Err: errors.New("connection refused")}},
		{"no json", &llm.MockClient{Response: &llm.Response{Content: "sorry, cannot help"}}},
		{"empty summary", &llm.MockClient{Response: &llm.Response{Content: `{"summary": "  "}`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLLMSummarizer(tt.mock)
			group, err := s.SummarizeGroup(context.Background(), "lunch", summaryRecords())
			if err != nil {
				t.Fatalf("fallback should not error: %v", err)
			}
			if !strings.Contains(group.SummaryText, "Picked a new lunch spot downtown.") {
				t.Errorf("expected extractive summary, got %q", group.SummaryText)
			}
		})
	}
}

func TestSummarizeLLMDefaultsTopics(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{Content: `{"summary": "All set."}`}}
	s := NewLLMSummarizer(mock)

	group, err := s.SummarizeGroup(context.Background(), "lunch", summaryRecords())
	if err != nil {
		t.Fatal(err)
	}
	if len(group.Topics) != 1 || group.Topics[0] != "lunch" {
		t.Errorf("topics = %v, want the group topic", group.Topics)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\nline one\nline two\n```", "line one\nline two"},
		{"  {\"a\":1}  ", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
