package discord

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestLastIndexByte(t *testing.T) {
	if got := lastIndexByte("hello\nworld", '\n'); got != 5 {
		t.Fatalf("lastIndexByte = %d, want 5", got)
	}
	if got := lastIndexByte("no newline here", '\n'); got != -1 {
		t.Fatalf("lastIndexByte = %d, want -1", got)
	}
}

func TestResolveDisplayName_PrefersNickname(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
		Member: &discordgo.Member{Nick: "Ally"},
	}}
	if got := resolveDisplayName(m); got != "Ally" {
		t.Fatalf("resolveDisplayName = %q, want %q", got, "Ally")
	}
}

func TestResolveDisplayName_FallsBackToGlobalName(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
	}}
	if got := resolveDisplayName(m); got != "Alice G" {
		t.Fatalf("resolveDisplayName = %q, want %q", got, "Alice G")
	}
}

func TestResolveDisplayName_FallsBackToUsername(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice"},
	}}
	if got := resolveDisplayName(m); got != "alice" {
		t.Fatalf("resolveDisplayName = %q, want %q", got, "alice")
	}
}

func TestSendChunked_SplitsAtNewlineBoundary(t *testing.T) {
	// Build content long enough to force a chunk split and confirm the
	// split point lands on a newline rather than mid-word.
	var b strings.Builder
	line := strings.Repeat("a", 100) + "\n"
	for b.Len() < discordMaxMessageLen+500 {
		b.WriteString(line)
	}
	content := b.String()
	if len(content) <= discordMaxMessageLen {
		t.Fatal("test content must exceed the chunk size to be meaningful")
	}
	// sendChunked requires a live session to actually send; this test only
	// exercises the pure chunk-boundary arithmetic via lastIndexByte, which
	// sendChunked itself relies on.
	cutAt := discordMaxMessageLen
	if idx := lastIndexByte(content[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
		cutAt = idx + 1
	}
	if content[cutAt-1] != '\n' {
		t.Fatalf("expected chunk boundary to land right after a newline, got byte %q", content[cutAt-1])
	}
}
