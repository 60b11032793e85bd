package agentloop

import "strings"

// MediaResult carries a media attachment path extracted from a tool or
// final assistant response, per the `MEDIA:` convention (teacher's
// internal/agent/loop.go parseMediaResult): a tool that produced a file
// (e.g. a generated image) signals it with a `MEDIA:<path>` line instead
// of returning the file content inline. `[[audio_as_voice]]` additionally
// asks the channel adapter to send the attachment as a voice note rather
// than a generic file.
type MediaResult struct {
	Path    string
	AsVoice bool
}

// parseMediaResult looks for the MEDIA: convention in text and, if found,
// returns the attachment it names. It does not modify text. Run calls it on
// the raw final text, before SanitizeAssistantContent (via stripMediaPaths)
// removes MEDIA: lines from the user-visible reply.
func parseMediaResult(text string) *MediaResult {
	asVoice := strings.Contains(text, "[[audio_as_voice]]")
	text = strings.ReplaceAll(text, "[[audio_as_voice]]", "")

	idx := strings.Index(text, "MEDIA:")
	if idx == -1 {
		if asVoice {
			return &MediaResult{AsVoice: true}
		}
		return nil
	}

	rest := text[idx+len("MEDIA:"):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}
	path := strings.TrimSpace(rest)
	if path == "" {
		return nil
	}
	return &MediaResult{Path: path, AsVoice: asVoice}
}
