package audit

import (
	"context"

	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// Audit actions for the relay.
const (
	ActionAddUser     = "relay.add_user"
	ActionSendMessage = "relay.send_message"
	ActionSignal      = "relay.signal"
	ActionDisconnect  = "relay.disconnect"
	ActionUpload      = "relay.upload"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, identity string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldIdentity, identity).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, identity string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldIdentity, identity).
		Str(FieldDetail, detail).
		Msg(msg)
}
