// Package render turns a notification payload into per-channel delivery
// content. Rendering failures are the caller's problem: a channel that cannot
// render fails the dispatch rather than being silently skipped.
package render

import (
	"context"
	"fmt"

	"github.com/signalpost/notifyd/delivery"
	"github.com/signalpost/notifyd/notify"
)

// Input is one channel's rendering request. Overrides take precedence over
// Payload for content fields.
type Input struct {
	TenantID   string
	Channel    notify.Channel
	TemplateID string
	Payload    map[string]any
	Overrides  map[string]any
}

// Renderer produces a delivery step from a rendering input.
type Renderer interface {
	Render(ctx context.Context, in Input) (*delivery.Step, error)
}

// Static renders directly from well-known payload fields (title, body,
// subject, avatar, redirect_url) without consulting a template service. It is
// the renderer behind both the development daemon and the compiled-in
// workflows.
type Static struct{}

var _ Renderer = Static{}

// Render implements Renderer.
func (Static) Render(_ context.Context, in Input) (*delivery.Step, error) {
	subject := in.field("subject", "title")
	body := in.field("body", "message")
	if body == "" {
		return nil, fmt.Errorf("render %s: payload has no body or message", in.Channel)
	}
	step := &delivery.Step{Channel: in.Channel, TemplateID: in.TemplateID}
	switch in.Channel {
	case notify.ChannelEmail:
		if subject == "" {
			return nil, fmt.Errorf("render %s: payload has no subject or title", in.Channel)
		}
		step.Email = &delivery.EmailStep{Subject: subject, Body: body}
	case notify.ChannelInApp:
		step.InApp = &delivery.InAppStep{
			Subject:     subject,
			Body:        body,
			Avatar:      in.field("avatar"),
			RedirectURL: in.field("redirect_url"),
		}
	case notify.ChannelSMS:
		step.SMS = &delivery.SMSStep{Body: body}
	case notify.ChannelPush:
		step.Push = &delivery.PushStep{Subject: subject, Body: body}
	case notify.ChannelChat:
		step.Chat = &delivery.ChatStep{Body: body}
	default:
		return nil, fmt.Errorf("render: unknown channel %q", in.Channel)
	}
	return step, nil
}

// field returns the first non-empty string value among keys, preferring
// Overrides over Payload.
func (in Input) field(keys ...string) string {
	for _, src := range []map[string]any{in.Overrides, in.Payload} {
		for _, k := range keys {
			if v, ok := src[k].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}
