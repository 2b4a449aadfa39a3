// Package lang holds the localized messages returned by step handlers.
package lang

// Message ids.
const (
	StepIDRequired   = "stepIdRequired"
	ActionRequired   = "actionRequired"
	ActionMustBeIn   = "actionMustBeIn"
	IDRequired       = "idRequired"
	IDOrDataRequired = "idOrDataRequired"
	UserRequired     = "userRequired"
	RecordNotFound   = "recordNotFound"
	VersionNotMatch  = "versionNotMatch"
	Locked           = "locked"
	StepDisabled     = "stepDisabled"
	UndoFailed       = "undoFailed"
	UndoNote         = "undoNote"
	UndoSuccess      = "undoSuccess"
	RejectSuccess    = "rejectSuccess"
)

// Pack maps message ids to text/template strings. Templates see the
// fields ID and Key.
type Pack map[string]string

// En is the base pack. Every message id has an entry.
var En = Pack{
	StepIDRequired:   "stepId is required.",
	ActionRequired:   "[params] action is required.",
	ActionMustBeIn:   "[params] action must be in new, get, list, draft, hang, done, cancel, lock, unlock, undo, reject.",
	IDRequired:       "[params] id is required.",
	IDOrDataRequired: "[params] id or data is required.",
	UserRequired:     "[params] user is required.",
	RecordNotFound:   "Record#{{.ID}} not found.",
	VersionNotMatch:  "Version not match, please refresh and try again.",
	Locked:           "{{.Key}} is locked, please try again later.",
	StepDisabled:     "Step {{.ID}} is disabled.",
	UndoFailed:       "Undo failed, the next step has been done.",
	UndoNote:         "Canceled by undo of Record#{{.ID}}.",
	UndoSuccess:      "Undo successfully.",
	RejectSuccess:    "Reject successfully.",
}

// Zh is the Chinese pack.
var Zh = Pack{
	StepIDRequired:   "stepId 不能为空。",
	ActionRequired:   "[params] action 不能为空。",
	ActionMustBeIn:   "[params] action 必须是 new、get、list、draft、hang、done、cancel、lock、unlock、undo、reject 之一。",
	IDRequired:       "[params] id 不能为空。",
	IDOrDataRequired: "[params] id 或 data 不能为空。",
	UserRequired:     "[params] 用户不能为空。",
	RecordNotFound:   "记录#{{.ID}}不存在。",
	VersionNotMatch:  "版本不一致，请刷新后重试。",
	Locked:           "{{.Key}} 已被锁定，请稍后重试。",
	StepDisabled:     "步骤 {{.ID}} 已停用。",
	UndoFailed:       "撤销失败，下一步骤已完成。",
	UndoNote:         "因记录#{{.ID}}撤销而取消。",
	UndoSuccess:      "撤销成功。",
	RejectSuccess:    "驳回成功。",
}

// Merge returns a new pack with the packs applied left to right. Later
// packs win key by key.
func Merge(packs ...Pack) Pack {
	merged := make(Pack)
	for _, p := range packs {
		for k, v := range p {
			merged[k] = v
		}
	}
	return merged
}
