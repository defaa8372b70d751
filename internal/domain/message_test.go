package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		Role:      RoleUser,
		Content:   "hello",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Role != msg.Role || got.Content != msg.Content {
		t.Errorf("got %+v, want %+v", got, msg)
	}
}

func TestChatResponsePrimaryPicksLowestIndex(t *testing.T) {
	resp := &ChatResponse{Choices: []Choice{
		{Index: 2, Content: "c"},
		{Index: 0, Content: "a"},
		{Index: 1, Content: "b"},
	}}

	got, ok := resp.Primary()
	if !ok || got.Content != "a" {
		t.Errorf("Primary() = %+v, %v; want content a", got, ok)
	}

	if _, ok := (&ChatResponse{}).Primary(); ok {
		t.Error("empty response should have no primary choice")
	}
}

func TestChatResponseAsDelta(t *testing.T) {
	md := &MetadataReport{Usage: NewUsageReport(3, 4)}
	resp := &ChatResponse{Choices: []Choice{{Index: 0, Content: "done"}}, Metadata: md}

	d := resp.AsDelta()
	if !d.Done {
		t.Error("blocking delta should be Done")
	}
	if len(d.Choices) != 1 || d.Choices[0].Content != "done" {
		t.Errorf("choices = %+v", d.Choices)
	}
	if d.Metadata != md {
		t.Error("metadata should be carried over")
	}

	resp.Choices[0].Content = "mutated"
	if d.Choices[0].Content != "done" {
		t.Error("AsDelta must copy choices")
	}
}

func TestModelSelectionRequestCopiesPrompt(t *testing.T) {
	sel := ModelSelection{Model: "gpt-4o", MaxTokens: 100, Temperature: 0.2, Choices: 2}
	prompt := []Message{{Role: RoleUser, Content: "hi"}}

	req := sel.Request(prompt)
	prompt[0].Content = "changed"

	if req.Messages[0].Content != "hi" {
		t.Error("Request must copy the prompt")
	}
	if req.Model != "gpt-4o" || req.MaxTokens != 100 || req.Choices != 2 {
		t.Errorf("unexpected request %+v", req)
	}
}
