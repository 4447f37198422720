// Package notify posts changeset decisions to Slack. The notifier is an
// ordinary bus subscriber: it can lag and lose notices without touching
// the engine, and a failed post is logged rather than retried.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/domain"
)

// SlackAPI abstracts the subset of the Slack client the notifier uses.
// This allows testing without real HTTP calls.
type SlackAPI interface {
	PostMessage(channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// Notifier relays merge and rejection events to a Slack channel.
type Notifier struct {
	api     SlackAPI
	channel string
	bus     *bus.Bus
}

// New creates a notifier backed by a real Slack client, or nil when no
// bot token is configured. A nil Notifier is safe to Start.
func New(b *bus.Bus, cfg config.SlackConfig) *Notifier {
	if cfg.BotToken == "" {
		return nil
	}
	return NewWithAPI(b, slacklib.New(cfg.BotToken), cfg.Channel)
}

// NewWithAPI creates a notifier with a caller-supplied client.
func NewWithAPI(b *bus.Bus, api SlackAPI, channel string) *Notifier {
	return &Notifier{
		api:     api,
		channel: channel,
		bus:     b,
	}
}

// Start consumes changeset events until ctx is cancelled or the bus
// closes. Post failures and subscriber lag are logged, never fatal.
// Calling Start on a nil notifier returns immediately.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}

	sub := n.bus.Subscribe("changeset.*")
	defer sub.Close()

	log.Info().Str("channel", n.channel).Msg("slack notifier started")

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			var lagged *bus.LaggedError
			switch {
			case errors.As(err, &lagged):
				log.Warn().
					Uint64("missed", lagged.Missed).
					Msg("slack notifier lagged, notices dropped")
				continue
			case errors.Is(err, bus.ErrClosed):
				log.Info().Msg("slack notifier stopped, bus closed")
				return
			default:
				// Context cancellation.
				return
			}
		}

		text, ok := format(ev)
		if !ok {
			continue
		}
		if err := n.post(text); err != nil {
			log.Error().Err(err).
				Str("event", ev.Type).
				Str("changeset_id", ev.ChangesetID).
				Msg("slack notice failed")
		}
	}
}

func (n *Notifier) post(text string) error {
	_, _, err := n.api.PostMessage(n.channel, slacklib.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify.Notifier.post: %w", err)
	}
	return nil
}

// format renders the decision events; everything else on the changeset
// family is lifecycle noise a channel does not want.
func format(ev domain.Event) (string, bool) {
	switch ev.Type {
	case domain.EventChangesetMerged:
		return fmt.Sprintf("*Merged* changeset `%s` in `%s` (agent %s): %s",
			ev.ChangesetID, ev.RepoID, ev.AgentID, ev.Details), true
	case domain.EventChangesetRejected:
		text := fmt.Sprintf("*Rejected* changeset `%s` in `%s` (agent %s): %s",
			ev.ChangesetID, ev.RepoID, ev.AgentID, ev.Details)
		if len(ev.AffectedSymbols) > 0 {
			text += "\nsymbols: `" + strings.Join(ev.AffectedSymbols, "`, `") + "`"
		}
		return text, true
	default:
		return "", false
	}
}
