// Package push tells the local user's other devices about incoming calls.
package push

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var ErrAllTokensFailed = errors.New("push delivery failed for every token")

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM sends a high priority data message to each registered device token.
type FCM struct {
	sender multicastSender
	tokens []string
}

var _ core.Notifier = (*FCM)(nil)

func NewFCM(ctx context.Context, app *firebase.App, tokens []string) (*FCM, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging client: %w", err)
	}
	return &FCM{sender: client, tokens: tokens}, nil
}

func (f *FCM) NotifyIncomingCall(ctx context.Context, callerName string, callID domain.CallID) error {
	if len(f.tokens) == 0 {
		return nil
	}
	msg := &messaging.MulticastMessage{
		Tokens: f.tokens,
		Data: map[string]string{
			"type":       "call",
			"callId":     string(callID),
			"callerName": callerName,
		},
		Notification: &messaging.Notification{
			Title: "Incoming call",
			Body:  callerName + " is calling",
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	resp, err := f.sender.SendEachForMulticast(ctx, msg)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	for i, r := range resp.Responses {
		if r.Success || r.Error == nil {
			continue
		}
		ev := log.Warn().Err(r.Error).Str("module", "push.fcm").Str("call", string(callID)).Int("token", i)
		if messaging.IsUnregistered(r.Error) {
			ev = ev.Bool("unregistered", true)
		}
		ev.Msg("push failed for token")
	}
	if resp.SuccessCount == 0 {
		return fmt.Errorf("%w: %d tokens", ErrAllTokensFailed, resp.FailureCount)
	}
	log.Info().Str("module", "push.fcm").Str("call", string(callID)).Int("delivered", resp.SuccessCount).Msg("incoming call pushed")
	return nil
}

// LogNotifier only logs. Used when no push credentials are configured.
type LogNotifier struct{}

func (LogNotifier) NotifyIncomingCall(_ context.Context, callerName string, callID domain.CallID) error {
	log.Info().Str("module", "push.log").Str("call", string(callID)).Str("caller", callerName).Msg("incoming call")
	return nil
}
