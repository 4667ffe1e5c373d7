package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/imagemirror/internal/mirror"
)

const inboundDedupTTL = time.Minute

// restSession is the subset of *discordgo.Session the adapter calls.
type restSession interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// EventHandler receives converted message events.
type EventHandler interface {
	HandleCreate(ctx context.Context, msg mirror.OriginMessage) error
	HandleUpdate(ctx context.Context, msg mirror.OriginMessage) error
	HandleDelete(ctx context.Context, channelID, messageID string) error
}

// Adapter connects to the Discord gateway and implements mirror.Bus over the
// REST API.
type Adapter struct {
	logger          *slog.Logger
	token           string
	mu              sync.RWMutex
	session         *discordgo.Session
	rest            restSession
	selfID          string
	handlerRemovers []func()
	seenMessages    map[string]time.Time
}

// NewAdapter creates an adapter for the given bot token.
func NewAdapter(log *slog.Logger, token string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:       log.With(slog.String("adapter", "discord")),
		token:        strings.TrimSpace(token),
		seenMessages: make(map[string]time.Time),
	}
}

// Connect opens the gateway session and routes message events to handler.
func (a *Adapter) Connect(ctx context.Context, handler EventHandler) error {
	if a.token == "" {
		return fmt.Errorf("discord bot token is required")
	}
	if handler == nil {
		return fmt.Errorf("event handler is required")
	}
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	removers := []func(){
		session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			if r.User != nil {
				a.setSelfID(r.User.ID)
				a.logger.Info("gateway ready", slog.String("user", r.User.String()))
			}
		}),
		session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Message == nil || ctx.Err() != nil {
				return
			}
			if a.isDuplicateInbound(m.ID) {
				return
			}
			a.dispatch(ctx, "create", m.ID, func(ctx context.Context) error {
				return handler.HandleCreate(ctx, toOriginMessage(m.Message))
			})
		}),
		session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
			if m.Message == nil || ctx.Err() != nil {
				return
			}
			a.dispatch(ctx, "update", m.ID, func(ctx context.Context) error {
				return handler.HandleUpdate(ctx, toOriginMessage(m.Message))
			})
		}),
		session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
			if m.Message == nil || ctx.Err() != nil {
				return
			}
			a.dispatch(ctx, "delete", m.ID, func(ctx context.Context) error {
				return handler.HandleDelete(ctx, m.ChannelID, m.ID)
			})
		}),
	}

	a.mu.Lock()
	a.session = session
	a.rest = session
	a.handlerRemovers = removers
	a.mu.Unlock()

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open connection: %w", err)
	}
	if session.State != nil && session.State.User != nil {
		a.setSelfID(session.State.User.ID)
	}
	a.logger.Info("connected", slog.String("self_id", a.SelfID()))
	return nil
}

// Close removes the event handlers and closes the gateway session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	session := a.session
	removers := a.handlerRemovers
	a.session = nil
	a.handlerRemovers = nil
	a.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if session == nil {
		return nil
	}
	a.logger.Info("disconnecting")
	return session.Close()
}

// SelfID returns the bot's own user id once known.
func (a *Adapter) SelfID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID
}

// FetchChannel checks that a channel can be resolved.
func (a *Adapter) FetchChannel(ctx context.Context, channelID string) error {
	rest, err := a.restClient()
	if err != nil {
		return err
	}
	if _, err := rest.Channel(channelID, discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

// FetchMessage loads the full representation of a message.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (mirror.OriginMessage, error) {
	rest, err := a.restClient()
	if err != nil {
		return mirror.OriginMessage{}, err
	}
	msg, err := rest.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return mirror.OriginMessage{}, mapError(err)
	}
	origin := toOriginMessage(msg)
	if origin.ChannelID == "" {
		origin.ChannelID = channelID
	}
	return origin, nil
}

// Send posts content and files as one message and returns its id.
func (a *Adapter) Send(ctx context.Context, channelID string, msg mirror.Outbound) (string, error) {
	rest, err := a.restClient()
	if err != nil {
		return "", err
	}
	files := make([]*discordgo.File, 0, len(msg.Files))
	for _, asset := range msg.Files {
		files = append(files, &discordgo.File{
			Name:        asset.Name,
			ContentType: asset.Mime,
			Reader:      bytes.NewReader(asset.Data),
		})
	}
	sent, err := rest.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: truncateDiscordText(msg.Content),
		Files:   files,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	if sent == nil {
		return "", fmt.Errorf("discord send returned no message")
	}
	return sent.ID, nil
}

// Edit replaces the text content of a message.
func (a *Adapter) Edit(ctx context.Context, channelID, messageID, content string) error {
	rest, err := a.restClient()
	if err != nil {
		return err
	}
	if _, err := rest.ChannelMessageEdit(channelID, messageID, truncateDiscordText(content), discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

// Delete removes a message.
func (a *Adapter) Delete(ctx context.Context, channelID, messageID string) error {
	rest, err := a.restClient()
	if err != nil {
		return err
	}
	if err := rest.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

func (a *Adapter) restClient() (restSession, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.rest == nil {
		return nil, fmt.Errorf("discord session not connected")
	}
	return a.rest, nil
}

func (a *Adapter) setSelfID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selfID = id
}

// dispatch runs one event handler. discordgo already calls each handler on its
// own goroutine; a panic here must not take the gateway down.
func (a *Adapter) dispatch(ctx context.Context, event, messageID string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event dispatch panic",
				slog.String("event", event),
				slog.String("message_id", messageID),
				slog.Any("panic", r),
			)
		}
	}()
	if err := fn(ctx); err != nil {
		a.logger.Error("handle event failed",
			slog.String("event", event),
			slog.String("message_id", messageID),
			slog.Any("error", err),
		)
	}
}

func (a *Adapter) isDuplicateInbound(messageID string) bool {
	if strings.TrimSpace(messageID) == "" {
		return false
	}

	now := time.Now().UTC()
	expireBefore := now.Add(-inboundDedupTTL)

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, seenAt := range a.seenMessages {
		if seenAt.Before(expireBefore) {
			delete(a.seenMessages, key)
		}
	}

	if _, ok := a.seenMessages[messageID]; ok {
		return true
	}
	a.seenMessages[messageID] = now
	return false
}

func toOriginMessage(m *discordgo.Message) mirror.OriginMessage {
	if m == nil {
		return mirror.OriginMessage{Partial: true}
	}
	msg := mirror.OriginMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.String()
	} else {
		msg.Partial = true
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, mirror.Attachment{
			URL:         att.URL,
			ContentType: att.ContentType,
			Filename:    att.Filename,
		})
	}
	for _, embed := range m.Embeds {
		if embed == nil {
			continue
		}
		e := mirror.Embed{
			Type: string(embed.Type),
			URL:  embed.URL,
		}
		if embed.Image != nil {
			e.ImageURL = embed.Image.URL
		}
		if embed.Thumbnail != nil {
			e.ThumbnailURL = embed.Thumbnail.URL
		}
		msg.Embeds = append(msg.Embeds, e)
	}
	return msg
}

// mapError turns Discord "unknown channel/message" answers into mirror.ErrNotFound.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %w", mirror.ErrNotFound, err)
		}
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", mirror.ErrNotFound, err)
	}
	return err
}

func truncateDiscordText(text string) string {
	const discordMaxLength = 2000
	runes := []rune(text)
	if len(runes) > discordMaxLength {
		text = string(runes[:discordMaxLength-3]) + "..."
	}
	return text
}
