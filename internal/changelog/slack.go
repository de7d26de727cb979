// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package changelog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackAPI is the slice of the Slack client the notifier uses, kept
// narrow so tests can stand in for it.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts digests to one channel.
type SlackNotifier struct {
	api     SlackAPI
	channel string
	logger  *slog.Logger
}

func NewSlackNotifier(token, channel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:     slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, message string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", n.channel, err)
	}
	n.logger.Debug("digest delivered", "channel", n.channel)
	return nil
}

// LogNotifier writes digests to the log. It stands in for Slack when no
// token is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, message string) error {
	n.Logger.Info("activity digest", "digest", message)
	return nil
}
