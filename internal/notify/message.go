// Package notify builds approver-facing messages and forwards them to the
// Telegram transport. User-supplied values are escaped for MarkdownV2
// everywhere except inside code entities, which Telegram treats literally.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Inline code keeps short commands readable; longer payloads go into a block.
const inlineCodeLimit = 80

// mdV2Special is the MarkdownV2 character set that must be escaped in plain
// text entities.
const mdV2Special = `_*[]()~` + "`" + `>#+-=|{}.!`

// Escape transforms a user-supplied value for placement in plain MarkdownV2
// text. Values placed inside code entities must not pass through here.
func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(mdV2Special, r) || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// codeEntity renders a value as inline code or a code block depending on
// length. Backticks inside the value would close the entity early, so they
// are replaced with single quotes.
func codeEntity(value string) string {
	clean := strings.ReplaceAll(value, "`", "'")
	if len(clean) <= inlineCodeLimit && !strings.Contains(clean, "\n") {
		return "`" + clean + "`"
	}
	return "```\n" + clean + "\n```"
}

func token(kind core.CallbackKind, id string) string {
	return string(kind) + ":" + id
}

// BuildApproval renders the notification for a pending request, choosing the
// button row by kind and classification.
func BuildApproval(req *core.ApprovalRequest, accountName string, dangerous bool) core.ApprovalMessage {
	var b strings.Builder

	title := titleFor(req.Kind, dangerous)
	b.WriteString(title + "\n\n")
	b.WriteString("🆔 *ID:* " + codeEntity(req.RequestID) + "\n")
	if req.Source != "" {
		b.WriteString("🤖 *Source:* " + Escape(req.Source) + "\n")
	}
	b.WriteString("🏢 *Account:* " + codeEntity(req.AccountID) + " \\(" + Escape(accountName) + "\\)\n")

	switch req.Kind {
	case core.KindExecute:
		b.WriteString("📋 *Command:*\n" + codeEntity(req.Command) + "\n")
	case core.KindUpload, core.KindUploadBatch:
		b.WriteString("📦 *Files:*\n")
		for _, f := range req.Files {
			b.WriteString("• " + codeEntity(f.Filename) + fmt.Sprintf(" \\(%d bytes\\)\n", f.Size))
		}
	case core.KindDeploy:
		b.WriteString("🚀 *Project:* " + codeEntity(req.ProjectID) + "\n")
	case core.KindAddAccount, core.KindRemoveAccount:
		if req.AccountSpec != nil {
			b.WriteString("🏦 *Target account:* " + codeEntity(req.AccountSpec.AccountID) + " " + Escape(req.AccountSpec.Name) + "\n")
		}
	case core.KindGrant:
		b.WriteString("🗂 *Commands:*\n")
		for _, c := range req.Commands {
			b.WriteString("• " + codeEntity(c) + "\n")
		}
	}

	if req.Reason != "" {
		b.WriteString("💬 *Reason:* " + Escape(req.Reason) + "\n")
	}
	b.WriteString("⏳ *Expires:* " + Escape(req.ExpiresAt.UTC().Format(time.RFC3339)) + "\n")

	return core.ApprovalMessage{
		Title:   title,
		Body:    b.String(),
		Buttons: buttonsFor(req, dangerous),
	}
}

func titleFor(kind core.RequestKind, dangerous bool) string {
	switch kind {
	case core.KindExecute:
		if dangerous {
			return "⚠️ *Dangerous command needs confirmation*"
		}
		return "🔐 *Command approval requested*"
	case core.KindUpload:
		return "📤 *Upload approval requested*"
	case core.KindUploadBatch:
		return "📤 *Batch upload approval requested*"
	case core.KindDeploy:
		return "🚀 *Deploy approval requested*"
	case core.KindAddAccount:
		return "➕ *Account registration requested*"
	case core.KindRemoveAccount:
		return "➖ *Account removal requested*"
	case core.KindGrant:
		return "🗂 *Grant approval requested*"
	default:
		return "🔐 *Approval requested*"
	}
}

func buttonsFor(req *core.ApprovalRequest, dangerous bool) [][]core.Button {
	id := req.RequestID
	switch req.Kind {
	case core.KindExecute:
		if dangerous {
			return [][]core.Button{{
				{Label: "⚠️ Confirm", Data: token(core.CBDangerousConfirm, id)},
				{Label: "❌ Deny", Data: token(core.CBCmdDeny, id)},
			}}
		}
		return [][]core.Button{{
			{Label: "✅ Approve", Data: token(core.CBCmdApprove, id)},
			{Label: "🔓 Trust 10 min", Data: token(core.CBCmdApproveTrust, id)},
			{Label: "❌ Deny", Data: token(core.CBCmdDeny, id)},
		}}
	case core.KindUpload:
		return [][]core.Button{{
			{Label: "✅ Approve", Data: token(core.CBUploadApprove, id)},
			{Label: "🔓 Approve + trust", Data: token(core.CBUploadApproveTrust, id)},
			{Label: "❌ Deny", Data: token(core.CBUploadDeny, id)},
		}}
	case core.KindUploadBatch:
		return [][]core.Button{{
			{Label: "✅ Approve", Data: token(core.CBBatchApprove, id)},
			{Label: "🔓 Approve + trust", Data: token(core.CBBatchApproveTrust, id)},
			{Label: "❌ Deny", Data: token(core.CBBatchDeny, id)},
		}}
	case core.KindDeploy:
		return [][]core.Button{{
			{Label: "✅ Approve", Data: token(core.CBDeployApprove, id)},
			{Label: "❌ Deny", Data: token(core.CBDeployDeny, id)},
		}}
	case core.KindAddAccount:
		return [][]core.Button{{
			{Label: "✅ Approve", Data: token(core.CBAccountAddApprove, id)},
			{Label: "❌ Deny", Data: token(core.CBAccountAddDeny, id)},
		}}
	case core.KindRemoveAccount:
		return [][]core.Button{{
			{Label: "✅ Approve", Data: token(core.CBAccountRemApprove, id)},
			{Label: "❌ Deny", Data: token(core.CBAccountRemDeny, id)},
		}}
	case core.KindGrant:
		return [][]core.Button{{
			{Label: "✅ Approve all", Data: token(core.CBGrantApproveAll, id)},
			{Label: "🛡 Approve safe only", Data: token(core.CBGrantApproveSafe, id)},
			{Label: "❌ Deny", Data: token(core.CBGrantDeny, id)},
		}}
	}
	return nil
}

// BuildResult renders the post-decision edit of an approval message.
func BuildResult(req *core.ApprovalRequest, outcome string, resultPreview string, extra string) string {
	var b strings.Builder
	b.WriteString(outcome + "\n\n")
	b.WriteString("🆔 *ID:* " + codeEntity(req.RequestID) + "\n")
	if req.Source != "" {
		b.WriteString("🤖 *Source:* " + Escape(req.Source) + "\n")
	}
	b.WriteString("🏢 *Account:* " + codeEntity(req.AccountID) + "\n")
	if req.Command != "" {
		b.WriteString("📋 *Command:*\n" + codeEntity(req.Command) + "\n")
	}
	if req.Reason != "" {
		b.WriteString("💬 *Reason:* " + Escape(req.Reason) + "\n")
	}
	if resultPreview != "" {
		b.WriteString("\n📤 *Result:*\n" + codeEntity(resultPreview) + "\n")
	}
	if extra != "" {
		b.WriteString("\n" + extra + "\n")
	}
	return b.String()
}
