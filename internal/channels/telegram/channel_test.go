package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func fakeMessage() *telego.Message {
	return &telego.Message{}
}

func TestParseTarget_PlainChatID(t *testing.T) {
	chatID, threadID, err := parseTarget("-100123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chatID != -100123456789 {
		t.Fatalf("chatID = %d, want -100123456789", chatID)
	}
	if threadID != 0 {
		t.Fatalf("threadID = %d, want 0", threadID)
	}
}

func TestParseTarget_ForumTopic(t *testing.T) {
	chatID, threadID, err := parseTarget("-100123456789:topic:42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chatID != -100123456789 {
		t.Fatalf("chatID = %d, want -100123456789", chatID)
	}
	if threadID != 42 {
		t.Fatalf("threadID = %d, want 42", threadID)
	}
}

func TestParseTarget_InvalidChatID(t *testing.T) {
	if _, _, err := parseTarget("not-a-number"); err == nil {
		t.Fatal("expected an error for a non-numeric chat id")
	}
}

func TestIsServiceMessage(t *testing.T) {
	// A plain text message is never a service message.
	msg := fakeMessage()
	msg.Text = "hello"
	if isServiceMessage(msg) {
		t.Fatal("expected a text message not to be classified as a service message")
	}

	msg = fakeMessage()
	msg.NewChatTitle = "renamed"
	if !isServiceMessage(msg) {
		t.Fatal("expected a chat-title-change message to be classified as a service message")
	}
}
