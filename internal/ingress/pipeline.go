package ingress

import (
	"context"
	"fmt"

	"github.com/ruanmelo/zapagenda/internal/chat/evolution"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/render"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

type replyHandler interface {
	Handle(ctx context.Context, set tenancy.Settings, phone, text string) (string, bool, error)
}

type optOutRegistry interface {
	Register(ctx context.Context, tenantID, phone string, kind optout.Kind) error
	Release(ctx context.Context, tenantID, phone string, kind optout.Kind) error
}

type jobCanceler interface {
	CancelPendingForPhone(ctx context.Context, tenantID, phone, reason string, kind *jobs.Kind) (int64, error)
}

type handoffGate interface {
	Active(ctx context.Context, tenantID, phone string) (bool, error)
}

type sender interface {
	SendText(ctx context.Context, instance string, req evolution.SendTextRequest) (*evolution.SendTextResponse, error)
}

// dialogue answers free-form messages no earlier stage claimed. An empty
// reply means the dialogue has nothing to say either.
type dialogue interface {
	Reply(ctx context.Context, set tenancy.Settings, phone, pushName, text string) (string, error)
}

// Pipeline routes one inbound message through the reply stages. Order
// matters: an armed no-show question consumes the message first, so a
// bare "não" answers the question instead of opting the client out.
type Pipeline struct {
	noshow   replyHandler
	detector *optout.Detector
	optouts  optOutRegistry
	jobs     jobCanceler
	gate     handoffGate
	gateway  sender
	dialogue dialogue
	logger   *logging.Logger
}

// NewPipeline wires the inbound stages.
func NewPipeline(noshow replyHandler, detector *optout.Detector, optouts optOutRegistry, canceler jobCanceler, gate handoffGate, gateway sender, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	if detector == nil {
		detector = optout.NewDetector()
	}
	return &Pipeline{
		noshow:   noshow,
		detector: detector,
		optouts:  optouts,
		jobs:     canceler,
		gate:     gate,
		gateway:  gateway,
		logger:   logger.Component("ingress"),
	}
}

// WithDialogue attaches a free-form dialogue stage that runs after the
// keyword stages. Without one, unclaimed messages produce no auto-reply.
func (p *Pipeline) WithDialogue(d dialogue) *Pipeline {
	p.dialogue = d
	return p
}

// Process handles one inbound envelope for a resolved tenant. It returns
// the reply text sent, or "" when no automatic reply was produced.
func (p *Pipeline) Process(ctx context.Context, set tenancy.Settings, env *Envelope) (string, error) {
	ctx = tenancy.WithTenantID(ctx, set.TenantID)

	paused, err := p.gate.Active(ctx, set.TenantID, env.Phone)
	if err != nil {
		return "", fmt.Errorf("ingress: handoff check: %w", err)
	}
	if paused {
		p.logger.Info("handoff active, suppressing auto-reply",
			"tenant_id", set.TenantID, "phone", env.Phone)
		return "", nil
	}

	reply, handled, err := p.noshow.Handle(ctx, set, env.Phone, env.Text)
	if err != nil {
		return "", fmt.Errorf("ingress: reply stage: %w", err)
	}
	if handled {
		return reply, p.send(ctx, set, env.Phone, reply)
	}

	if p.detector.IsOptOut(env.Text) {
		return p.optOut(ctx, set, env.Phone)
	}
	if p.detector.IsOptIn(env.Text) {
		return p.optIn(ctx, set, env.Phone)
	}

	if p.dialogue != nil {
		reply, err := p.dialogue.Reply(ctx, set, env.Phone, env.PushName, env.Text)
		if err != nil {
			return "", fmt.Errorf("ingress: dialogue stage: %w", err)
		}
		if reply != "" {
			return reply, p.send(ctx, set, env.Phone, reply)
		}
	}

	// Nothing claimed the message; humans pick it up from the gateway inbox.
	p.logger.Debug("inbound message unhandled", "tenant_id", set.TenantID, "phone", env.Phone)
	return "", nil
}

func (p *Pipeline) optOut(ctx context.Context, set tenancy.Settings, recipient string) (string, error) {
	if err := p.optouts.Register(ctx, set.TenantID, recipient, optout.KindAll); err != nil {
		return "", fmt.Errorf("ingress: register opt-out: %w", err)
	}
	canceled, err := p.jobs.CancelPendingForPhone(ctx, set.TenantID, recipient, "opted out", nil)
	if err != nil {
		p.logger.Error("cancel pending jobs failed", "error", err, "phone", recipient)
	} else if canceled > 0 {
		p.logger.Info("canceled pending jobs on opt-out", "phone", recipient, "count", canceled)
	}
	reply := render.OptOutAck()
	return reply, p.send(ctx, set, recipient, reply)
}

func (p *Pipeline) optIn(ctx context.Context, set tenancy.Settings, recipient string) (string, error) {
	if err := p.optouts.Release(ctx, set.TenantID, recipient, optout.KindAll); err != nil {
		return "", fmt.Errorf("ingress: release opt-out: %w", err)
	}
	reply := render.OptInAck()
	return reply, p.send(ctx, set, recipient, reply)
}

func (p *Pipeline) send(ctx context.Context, set tenancy.Settings, recipient, text string) error {
	if text == "" {
		return nil
	}
	if _, err := p.gateway.SendText(ctx, set.Instance, evolution.SendTextRequest{
		Number: recipient,
		Text:   text,
	}); err != nil {
		return fmt.Errorf("ingress: send reply: %w", err)
	}
	return nil
}
