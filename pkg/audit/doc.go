// Package audit records authentication events for operator diagnosis.
//
// Every login attempt, provisioning action, and policy denial is written
// twice: as a structured logrus JSON line for log pipelines, and as a row
// in auth_audit_log for retention queries. The client-visible error stays
// generic; the audit record carries the full context (team, provider,
// which validation step failed).
package audit
