package ingress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruanmelo/zapagenda/internal/chat/evolution"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
)

type fakeReplyHandler struct {
	handled bool
	reply   string
	texts   []string
}

func (f *fakeReplyHandler) Handle(_ context.Context, _ tenancy.Settings, _, text string) (string, bool, error) {
	f.texts = append(f.texts, text)
	return f.reply, f.handled, nil
}

type fakeRegistry struct {
	registered []string
	released   []string
}

func (f *fakeRegistry) Register(_ context.Context, _, phone string, _ optout.Kind) error {
	f.registered = append(f.registered, phone)
	return nil
}

func (f *fakeRegistry) Release(_ context.Context, _, phone string, _ optout.Kind) error {
	f.released = append(f.released, phone)
	return nil
}

type fakeCanceler struct {
	phones []string
	kinds  []*jobs.Kind
}

func (f *fakeCanceler) CancelPendingForPhone(_ context.Context, _, phone, _ string, kind *jobs.Kind) (int64, error) {
	f.phones = append(f.phones, phone)
	f.kinds = append(f.kinds, kind)
	return 2, nil
}

type fakeGate struct{ active bool }

func (f *fakeGate) Active(_ context.Context, _, _ string) (bool, error) {
	return f.active, nil
}

type fakeSender struct{ sent []evolution.SendTextRequest }

func (f *fakeSender) SendText(_ context.Context, _ string, req evolution.SendTextRequest) (*evolution.SendTextResponse, error) {
	f.sent = append(f.sent, req)
	return &evolution.SendTextResponse{MessageID: "m1"}, nil
}

func pipelineSettings() tenancy.Settings {
	return tenancy.Settings{TenantID: "t1", Instance: "salon-main", Timezone: "America/Sao_Paulo"}
}

func inbound(text string) *Envelope {
	return &Envelope{EventID: "EV1", Phone: "5511999990000", Text: text}
}

func newTestPipeline(nh *fakeReplyHandler, reg *fakeRegistry, can *fakeCanceler, gate *fakeGate, gw *fakeSender) *Pipeline {
	return NewPipeline(nh, optout.NewDetector(), reg, can, gate, gw, nil)
}

func TestPendingReplyWinsOverOptOutKeyword(t *testing.T) {
	// "não" is both a no-show answer and an opt-out keyword; an armed
	// question consumes it.
	nh := &fakeReplyHandler{handled: true, reply: "aqui estão os horários"}
	reg := &fakeRegistry{}
	gw := &fakeSender{}
	p := newTestPipeline(nh, reg, &fakeCanceler{}, &fakeGate{}, gw)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("não"))
	require.NoError(t, err)
	assert.Equal(t, "aqui estão os horários", reply)
	assert.Empty(t, reg.registered)
	require.Len(t, gw.sent, 1)
	assert.Equal(t, "aqui estão os horários", gw.sent[0].Text)
}

func TestOptOutRegistersAndCancelsJobs(t *testing.T) {
	nh := &fakeReplyHandler{}
	reg := &fakeRegistry{}
	can := &fakeCanceler{}
	gw := &fakeSender{}
	p := newTestPipeline(nh, reg, can, &fakeGate{}, gw)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("PARAR"))
	require.NoError(t, err)
	assert.Contains(t, reply, "não receberá")
	assert.Equal(t, []string{"5511999990000"}, reg.registered)
	assert.Equal(t, []string{"5511999990000"}, can.phones)
	require.Len(t, can.kinds, 1)
	assert.Nil(t, can.kinds[0], "opt-out cancels every kind")
	require.Len(t, gw.sent, 1)
}

func TestOptInReleases(t *testing.T) {
	reg := &fakeRegistry{}
	gw := &fakeSender{}
	p := newTestPipeline(&fakeReplyHandler{}, reg, &fakeCanceler{}, &fakeGate{}, gw)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("voltar"))
	require.NoError(t, err)
	assert.Contains(t, reply, "voltará a receber")
	assert.Equal(t, []string{"5511999990000"}, reg.released)
}

func TestHandoffSuppressesEverything(t *testing.T) {
	nh := &fakeReplyHandler{handled: true, reply: "should not go out"}
	gw := &fakeSender{}
	p := newTestPipeline(nh, &fakeRegistry{}, &fakeCanceler{}, &fakeGate{active: true}, gw)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("sim"))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Empty(t, gw.sent)
	assert.Empty(t, nh.texts, "reply stage never runs during handoff")
}

func TestUnhandledMessageProducesNoReply(t *testing.T) {
	gw := &fakeSender{}
	p := newTestPipeline(&fakeReplyHandler{}, &fakeRegistry{}, &fakeCanceler{}, &fakeGate{}, gw)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("qual o preço do corte?"))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Empty(t, gw.sent)
}

type fakeDialogue struct {
	reply string
	texts []string
}

func (f *fakeDialogue) Reply(_ context.Context, _ tenancy.Settings, _, _, text string) (string, error) {
	f.texts = append(f.texts, text)
	return f.reply, nil
}

func TestDialogueAnswersUnclaimedMessage(t *testing.T) {
	gw := &fakeSender{}
	dlg := &fakeDialogue{reply: "o corte feminino custa R$ 120"}
	p := newTestPipeline(&fakeReplyHandler{}, &fakeRegistry{}, &fakeCanceler{}, &fakeGate{}, gw).
		WithDialogue(dlg)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("qual o preço do corte?"))
	require.NoError(t, err)
	assert.Equal(t, "o corte feminino custa R$ 120", reply)
	require.Len(t, gw.sent, 1)
	assert.Equal(t, "o corte feminino custa R$ 120", gw.sent[0].Text)
	assert.Equal(t, []string{"qual o preço do corte?"}, dlg.texts)
}

func TestDialogueSkippedWhenEarlierStageClaims(t *testing.T) {
	gw := &fakeSender{}
	dlg := &fakeDialogue{reply: "should not run"}
	nh := &fakeReplyHandler{handled: true, reply: "presença confirmada"}
	p := newTestPipeline(nh, &fakeRegistry{}, &fakeCanceler{}, &fakeGate{}, gw).
		WithDialogue(dlg)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("sim"))
	require.NoError(t, err)
	assert.Equal(t, "presença confirmada", reply)
	assert.Empty(t, dlg.texts, "keyword stages run before the dialogue")
}

func TestDialogueWithNothingToSayStaysSilent(t *testing.T) {
	gw := &fakeSender{}
	dlg := &fakeDialogue{}
	p := newTestPipeline(&fakeReplyHandler{}, &fakeRegistry{}, &fakeCanceler{}, &fakeGate{}, gw).
		WithDialogue(dlg)

	reply, err := p.Process(context.Background(), pipelineSettings(), inbound("obrigada!"))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Empty(t, gw.sent)
	assert.Len(t, dlg.texts, 1)
}
