package notifications

import "fmt"

// Kind classifies a notification log entry.
type Kind string

const (
	KindPreVisit       Kind = "previsit"
	KindNoShowQuestion Kind = "noshow_question"
	KindNoShowYes      Kind = "noshow_yes"
	KindNoShowNo       Kind = "noshow_no"
	KindRebook         Kind = "rebook"
	KindAudit          Kind = "audit"
)

// Dedupe key grammar. Each key deterministically identifies one logical
// outbound message; (tenant_id, dedupe_key) is unique in the log.

// PreVisitKey identifies the single pre-visit reminder for an appointment.
func PreVisitKey(appointmentID, date string) string {
	return fmt.Sprintf("previsit:%s:%s", appointmentID, date)
}

// NoShowQuestionKey identifies the D-1 confirmation question.
func NoShowQuestionKey(appointmentID, date string) string {
	return fmt.Sprintf("noshow_question:%s:%s", appointmentID, date)
}

// NoShowYesKey identifies a recorded YES answer.
func NoShowYesKey(appointmentID, date string) string {
	return fmt.Sprintf("noshow_yes:%s:%s", appointmentID, date)
}

// NoShowNoKey identifies a recorded NO answer.
func NoShowNoKey(appointmentID, date string) string {
	return fmt.Sprintf("noshow_no:%s:%s", appointmentID, date)
}

// RebookKey identifies a rebook performed for an appointment, keyed by the
// original date so a second rebook of the moved appointment gets a new key.
func RebookKey(appointmentID, originalDate string) string {
	return fmt.Sprintf("rebook:%s:%s", appointmentID, originalDate)
}

// AuditReportKey identifies the daily audit report for one tenant and day.
func AuditReportKey(day, tenantID string) string {
	return fmt.Sprintf("audit_report:%s:%s", day, tenantID)
}
