package models

import "testing"

func TestConversationCloneDoesNotAlias(t *testing.T) {
	orig := &Conversation{ID: 3, Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	cp := orig.Clone()
	cp.Messages[0].Content = "changed"
	cp.Messages = append(cp.Messages, Message{Role: RoleAssistant, Content: "x"})

	if orig.Messages[0].Content != "hi" {
		t.Fatalf("clone shares backing array with original")
	}
	if len(orig.Messages) != 1 {
		t.Fatalf("append on clone leaked into original: %d", len(orig.Messages))
	}
}

func TestConversationCloneEmpty(t *testing.T) {
	var nilConv *Conversation
	if nilConv.Clone() != nil {
		t.Fatalf("expected nil clone of nil conversation")
	}
	cp := (&Conversation{ID: 1}).Clone()
	if cp.Messages == nil {
		t.Fatalf("expected non-nil empty message slice")
	}
}
