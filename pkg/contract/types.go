package contract

// ExplanationResult: 面向用户的结构化解释。
// 约束：
// - OriginText 恒等于调用方给出的（已清洗）原文，不信任模型回显；
// - PartOfSpeech 小写、去空白，可为空；
// - Description 成功时非空；
// - Similar1..3 可为空。
type ExplanationResult struct {
	OriginText   string `json:"originText"`
	PartOfSpeech string `json:"partOfSpeech"`
	Description  string `json:"description"`
	Similar1     string `json:"similar1"`
	Similar2     string `json:"similar2"`
	Similar3     string `json:"similar3"`
}

// Decoder: 将模型原始输出解析为 ExplanationResult。
// 约束：永不失败；无法解析时降级为 Description=原文输出。
type Decoder interface {
	Decode(raw Raw, originalText string) ExplanationResult
}

// 消息类型（与浏览器端约定一致）。
const (
	MsgExplainText         = "CLARIFAI_EXPLAIN_TEXT"
	MsgCancelExplanation   = "CLARIFAI_CANCEL_EXPLANATION"
	MsgShowFromContextMenu = "CLARIFAI_SHOW_FROM_CONTEXT_MENU"
)

// Sender: 消息发送方身份（标签页 + 帧）。
type Sender struct {
	TabID   *int64 `json:"tabId,omitempty"`
	FrameID *int64 `json:"frameId,omitempty"`
}

// Envelope: 通用消息信封，EXPLAIN_TEXT 与 CANCEL_EXPLANATION 共用。
type Envelope struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	ClientID  string  `json:"clientId,omitempty"`
	RequestID *int64  `json:"requestId,omitempty"`
	Sender    *Sender `json:"sender,omitempty"`
}

// Response: EXPLAIN_TEXT / CANCEL_EXPLANATION 的统一应答。
type Response struct {
	OK          bool               `json:"ok"`
	Explanation string             `json:"explanation,omitempty"`
	Data        *ExplanationResult `json:"data,omitempty"`
	Error       string             `json:"error,omitempty"`
	Canceled    bool               `json:"canceled,omitempty"`
	RequestID   *int64             `json:"requestId,omitempty"`
}

// ContextMenuPush: 右键菜单选中文本后推送给对应标签页的消息。
type ContextMenuPush struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
