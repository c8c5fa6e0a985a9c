// Package render produces the plain-text WhatsApp messages sent to clients.
// Locale is fixed per tenant; today that means pt-BR.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/ruanmelo/zapagenda/internal/jobs"
)

// PreVisit renders the reminder sent 32 h before the appointment.
func PreVisit(p jobs.Payload) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Olá! Lembrete do seu agendamento de %s", p.Service))
	if p.Professional != "" {
		b.WriteString(fmt.Sprintf(" com %s", p.Professional))
	}
	b.WriteString(fmt.Sprintf(" em %s às %s.", FormatDate(p.Date), p.Time))
	if p.BusinessName != "" {
		b.WriteString(fmt.Sprintf("\n%s", p.BusinessName))
		if p.BusinessAddress != "" {
			b.WriteString(fmt.Sprintf(" — %s", p.BusinessAddress))
		}
	}
	b.WriteString("\nAté lá! 😊")
	return b.String()
}

// NoShowQuestion renders the D-1 confirmation prompt.
func NoShowQuestion(p jobs.Payload) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Oi! Seu horário de %s é amanhã, %s às %s.", p.Service, FormatDate(p.Date), p.Time))
	b.WriteString("\nVocê confirma presença? Responda SIM para confirmar ou NÃO para remarcar.")
	return b.String()
}

// ConfirmAck acknowledges a YES answer.
func ConfirmAck() string {
	return "Perfeito, presença confirmada! Até amanhã. 😊"
}

// SlotList renders the numbered alternatives offered after a NO answer.
func SlotList(slots []time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("Sem problemas! Tenho estes horários disponíveis:\n")
	for i, s := range slots {
		local := s.In(loc)
		b.WriteString(fmt.Sprintf("%d) %s às %s\n", i+1, FormatDate(local.Format(time.DateOnly)), local.Format("15:04")))
	}
	b.WriteString("Responda com o número da opção desejada.")
	return b.String()
}

// RebookAck confirms a successful rebook.
func RebookAck(date, timeOfDay string) string {
	return fmt.Sprintf("Prontinho! Seu horário foi remarcado para %s às %s. 😊", FormatDate(date), timeOfDay)
}

// RebookFallback is sent when the rebook attempt fails.
func RebookFallback() string {
	return "Poxa, esse horário acabou de ser ocupado. Nossa equipe vai entrar em contato para encontrar um horário ideal para você."
}

// Disambiguation re-prompts after an unrecognized reply.
func Disambiguation() string {
	return "Desculpe, não entendi. Responda SIM para confirmar, NÃO para remarcar, ou o número de uma das opções enviadas."
}

// OptOutAck acknowledges an opt-out request.
func OptOutAck() string {
	return "Tudo bem! Você não receberá mais mensagens automáticas. Para voltar a receber, responda VOLTAR."
}

// OptInAck acknowledges a resume request.
func OptInAck() string {
	return "Que bom ter você de volta! Você voltará a receber nossos lembretes."
}

// FormatDate renders yyyy-mm-dd as dd/mm/yyyy; unparseable input passes
// through.
func FormatDate(isoDate string) string {
	t, err := time.Parse(time.DateOnly, isoDate)
	if err != nil {
		return isoDate
	}
	return t.Format("02/01/2006")
}

// Message renders the outbound text for a job according to its kind.
func Message(job jobs.Job) (string, error) {
	switch job.Kind {
	case jobs.KindPreVisit:
		return PreVisit(job.Payload), nil
	case jobs.KindNoShowCheck:
		return NoShowQuestion(job.Payload), nil
	default:
		return "", fmt.Errorf("render: unknown job kind %q", job.Kind)
	}
}
