package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// Thread close modes
const (
	CloseArchive = "archive"
	CloseDelete  = "delete"
)

// threadAPI is the subset of *discordgo.Session used here
type threadAPI interface {
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// ThreadDeletedHandler is notified when a thread disappears outside the relay
type ThreadDeletedHandler interface {
	HandleThreadDeleted(ctx context.Context, threadID string)
}

// Bot owns the Discord gateway connection. It closes session threads and
// forwards thread-delete events.
type Bot struct {
	api       threadAPI
	gateway   *discordgo.Session
	closeMode string
}

// New creates a bot for token. The gateway is not opened until Open.
func New(token, closeMode string) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord bot token is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds

	b := newBot(dg, closeMode)
	b.gateway = dg
	return b, nil
}

func newBot(api threadAPI, closeMode string) *Bot {
	if closeMode != CloseDelete {
		closeMode = CloseArchive
	}
	return &Bot{api: api, closeMode: closeMode}
}

// OnThreadDeleted routes gateway thread-delete events to h
func (b *Bot) OnThreadDeleted(h ThreadDeletedHandler) {
	b.api.AddHandler(func(_ *discordgo.Session, t *discordgo.ThreadDelete) {
		if t == nil || t.Channel == nil {
			return
		}
		log.Info().Str("thread_id", t.ID).Msg("Thread deleted externally")
		h.HandleThreadDeleted(context.Background(), t.ID)
	})
}

// Open connects to the gateway
func (b *Bot) Open() error {
	if b.gateway == nil {
		return nil
	}
	if err := b.gateway.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	log.Info().Msg("Discord gateway connected")
	return nil
}

// Close disconnects from the gateway
func (b *Bot) Close() error {
	if b.gateway == nil {
		return nil
	}
	return b.gateway.Close()
}

// CloseThread archives and locks the thread, or deletes it when configured
// to. A thread that no longer exists counts as closed.
func (b *Bot) CloseThread(ctx context.Context, threadID string) error {
	var err error
	switch b.closeMode {
	case CloseDelete:
		_, err = b.api.ChannelDelete(threadID, discordgo.WithContext(ctx))
	default:
		archived, locked := true, true
		_, err = b.api.ChannelEdit(threadID, &discordgo.ChannelEdit{
			Archived: &archived,
			Locked:   &locked,
		}, discordgo.WithContext(ctx))
	}

	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to %s thread %s: %w", b.closeMode, threadID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
