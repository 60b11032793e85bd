// Package discord adapts the Discord gateway API (bwmarrin/discordgo) to
// the Channel capability (spec §6), feeding accepted messages straight
// into the Dispatcher.
//
// Grounded on goclaw's internal/channels/discord — the gateway
// open/close, mention-gating, and 2000-char message chunking survive;
// the pairing-flow DM gate, typing-indicator keepalive, and
// "Thinking..." placeholder-edit richness did not (not named by this
// engine's spec, and pairing in particular depends on a PairingStore this
// module does not carry) — see DESIGN.md.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/orbiterhq/orbiter/internal/channels"
	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/dispatcher"
)

const discordMaxMessageLen = 2000

// Channel connects to Discord via the gateway API.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	cfg            config.DiscordConfig
	dispatch       *dispatcher.Dispatcher
	botUserID      string
	requireMention bool
}

// New creates a Discord channel from config, wired directly to a
// Dispatcher.
func New(cfg config.DiscordConfig, d *dispatcher.Dispatcher) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	base := channels.NewBaseChannel("discord", cfg.AllowFrom,
		channels.DMPolicy(cfg.DMPolicy), channels.GroupPolicy(cfg.GroupPolicy))

	return &Channel{BaseChannel: base, session: session, cfg: cfg, dispatch: d, requireMention: requireMention}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot")
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers a reply to a Discord channel, chunking at 2000 chars.
func (c *Channel) Send(_ context.Context, _ string, out dispatcher.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if out.Target == "" {
		return fmt.Errorf("empty target for discord send")
	}
	if out.Text == "" {
		return nil // NO_REPLY: nothing to send.
	}
	return c.sendChunked(out.Target, out.Text)
}

func (c *Channel) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMaxMessageLen {
			cutAt := discordMaxMessageLen
			if idx := lastIndexByte(content[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isGroup := m.GuildID != ""

	if !c.CheckPolicy(isGroup, senderID) {
		slog.Debug("discord message rejected by policy", "user_id", senderID, "is_group", isGroup)
		return
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	chatType := dispatcher.ChatDirect
	groupID := ""
	if isGroup {
		chatType = dispatcher.ChatGroup
		groupID = channelID

		if c.requireMention {
			mentioned := false
			for _, u := range m.Mentions {
				if u.ID == c.botUserID {
					mentioned = true
					break
				}
			}
			if !mentioned {
				return
			}
		}
	}

	c.dispatch.Dispatch(ctx, dispatcher.MsgContext{
		Channel:     c.ID(),
		From:        senderID,
		SenderName:  senderName,
		ChatType:    chatType,
		GroupID:     groupID,
		MessageID:   m.ID,
		Body:        content,
		TimestampMs: m.Timestamp.UnixMilli(),
		ReplyTarget: channelID,
	})
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
