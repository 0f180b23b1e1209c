package executors

import (
	"context"
	"log/slog"

	"github.com/procflow/procflow/internal/identity"
	"github.com/procflow/procflow/internal/logging"
	"github.com/procflow/procflow/pkg/schema"
)

// NotificationExecutor sends a message and continues. Delivery failures are
// logged and swallowed unless the node marks delivery as required.
type NotificationExecutor struct {
	notifier   Notifier
	identities *identity.Resolver
	logger     *slog.Logger
}

func NewNotificationExecutor(notifier Notifier, identities *identity.Resolver, logger *slog.Logger) *NotificationExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationExecutor{notifier: notifier, identities: identities, logger: logger}
}

func (e *NotificationExecutor) Type() schema.NodeType { return schema.NodeNotification }

func (e *NotificationExecutor) Execute(ctx context.Context, input *ExecInput) (*ExecResult, error) {
	cfg, ok := input.Config.(*schema.NotificationConfig)
	if !ok {
		return nil, schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"notification node missing config").WithNode(input.Node.ID)
	}

	if e.identities == nil {
		return e.deliveryFailure(ctx, cfg, input,
			schema.NewError(schema.CategoryAuthorization, schema.ErrCodeAssigneeEmpty,
				"no identity resolver configured"))
	}

	recipients, err := e.identities.Resolve(ctx, &cfg.Recipient, input.InitiatorID, input.Scope)
	if err != nil {
		return e.deliveryFailure(ctx, cfg, input, err)
	}

	subject, err := input.Resolver.ResolveString(cfg.Subject, input.Scope)
	if err != nil {
		return nil, err
	}
	body, err := input.Resolver.ResolveString(cfg.Body, input.Scope)
	if err != nil {
		return nil, err
	}

	if e.notifier == nil {
		return e.deliveryFailure(ctx, cfg, input,
			schema.NewError(schema.CategoryInfrastructure, schema.ErrCodeExecution,
				"no notifier configured"))
	}

	if err := e.notifier.Send(ctx, recipients, cfg.Channel, subject, body); err != nil {
		return e.deliveryFailure(ctx, cfg, input, err)
	}

	return succeeded(map[string]any{"delivered": true, "recipients": len(recipients)}), nil
}

// deliveryFailure applies the fire-and-continue rule: required notifications
// fail the node, everything else records the miss and moves on.
func (e *NotificationExecutor) deliveryFailure(ctx context.Context, cfg *schema.NotificationConfig, input *ExecInput, err error) (*ExecResult, error) {
	if cfg.Required {
		if pe, ok := err.(*schema.ProcessError); ok {
			return nil, pe.WithNode(input.Node.ID)
		}
		return nil, schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeExecution,
			"required notification failed: %s", err.Error()).
			WithNode(input.Node.ID).WithCause(err)
	}

	logging.LogWith(ctx, e.logger).WarnContext(ctx, "notification delivery failed, continuing",
		slog.String("channel", cfg.Channel),
		slog.String("error", err.Error()))
	return succeeded(map[string]any{"delivered": false, "error": err.Error()}), nil
}
