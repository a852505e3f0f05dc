// Package delivery wraps the downstream delivery SDK service: the only party
// that talks to provider APIs. The daemon hands it fully rendered per-channel
// steps keyed by a transaction id; retried dispatches reuse the transaction id
// so the provider side stays idempotent.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/signalpost/notifyd/notify"
)

// EmailStep is the rendered content for an EMAIL dispatch.
type EmailStep struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// InAppStep is the rendered content for an IN_APP dispatch.
type InAppStep struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Avatar      string `json:"avatar,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// SMSStep is the rendered content for an SMS dispatch.
type SMSStep struct {
	Body string `json:"body"`
}

// PushStep is the rendered content for a PUSH dispatch.
type PushStep struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ChatStep is the rendered content for a CHAT dispatch.
type ChatStep struct {
	Body string `json:"body"`
}

// Step is one channel's contribution to a trigger. Exactly one content field
// is set, matching Channel.
type Step struct {
	Channel    notify.Channel `json:"channel"`
	TemplateID string         `json:"template_id,omitempty"`
	Email      *EmailStep     `json:"email,omitempty"`
	InApp      *InAppStep     `json:"in_app,omitempty"`
	SMS        *SMSStep       `json:"sms,omitempty"`
	Push       *PushStep      `json:"push,omitempty"`
	Chat       *ChatStep      `json:"chat,omitempty"`
}

// TriggerRequest asks the SDK service to deliver one notification across the
// given steps. TransactionID is the idempotency key: re-sending the same
// request must not double-deliver.
type TriggerRequest struct {
	TransactionID string         `json:"transaction_id"`
	TenantID      string         `json:"tenant_id"`
	WorkflowKey   string         `json:"workflow_key"`
	Recipients    []string       `json:"recipients"`
	Payload       map[string]any `json:"payload,omitempty"`
	Overrides     map[string]any `json:"overrides,omitempty"`
	Steps         []Step         `json:"steps"`
}

// Result reports the SDK service's acknowledgement.
type Result struct {
	TransactionID string `json:"transaction_id"`
	Accepted      int    `json:"accepted"`
}

// Client is the delivery SDK facade. Implementations must be safe for
// concurrent use; activity workers call Trigger in parallel.
type Client interface {
	// Trigger submits one rendered notification for delivery.
	Trigger(ctx context.Context, req TriggerRequest) (*Result, error)
	// Cancel retracts a previously triggered transaction, best effort.
	Cancel(ctx context.Context, tenant, transactionID string) error
}

// Error is a delivery SDK failure carrying the HTTP status when one exists.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery: %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("delivery: %s", e.Detail)
}

// IsPermanent reports whether err is a rejection retrying cannot fix:
// a 4xx response other than request timeout or rate limiting. Transport
// failures and 5xx responses are transient.
func IsPermanent(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return de.StatusCode >= 400 && de.StatusCode < 500
}
