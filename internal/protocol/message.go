package protocol

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// MessageType 标识信封携带的消息类别，决定 payload 的具体结构。
type MessageType string

const (
	TypePing               MessageType = "PING"
	TypePong               MessageType = "PONG"
	TypeProcessUserRequest MessageType = "PROCESS_USER_REQUEST"
	TypeRequestPlan        MessageType = "REQUEST_PLAN"
	TypePlanGenerated      MessageType = "PLAN_GENERATED"
	TypePlanningFailed     MessageType = "PLANNING_FAILED"
	TypeTaskAssign         MessageType = "TASK_ASSIGN"
	TypeTaskResult         MessageType = "TASK_RESULT"
	TypeTaskFailed         MessageType = "TASK_FAILED"
	TypeAgentAdvertise     MessageType = "AGENT_ADVERTISE"
)

// Envelope 是智能体之间交换的消息单元。创建后不应再修改。
// Timestamp 仅作诊断用途，系统不从中推导任何顺序保证。
type Envelope struct {
	Type          MessageType     `json:"message_type"`
	SenderID      string          `json:"sender_id"`
	TargetID      string          `json:"target_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

var (
	// ErrEnvelopeInvalid 表示信封缺失必要字段。
	ErrEnvelopeInvalid = xerrors.New(CodeEnvelopeInvalid, "envelope missing required field")
	// ErrPayloadMismatch 表示 payload 无法按消息类型解析。
	ErrPayloadMismatch = xerrors.New(CodePayloadMismatch, "payload does not match message type")
	// ErrUnsupportedType 表示消息类型不在本系统的词汇表内。
	ErrUnsupportedType = xerrors.New(CodeUnsupportedType, "unsupported message type", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeEnvelopeInvalid xerrors.Code = "ENVELOPE_INVALID"
	CodePayloadMismatch xerrors.Code = "PAYLOAD_MISMATCH"
	CodeUnsupportedType xerrors.Code = "UNSUPPORTED_MESSAGE_TYPE"
)

func init() {
	xerrors.Register(CodeEnvelopeInvalid, xerrors.Attributes{
		Message:   "envelope missing required field",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePayloadMismatch, xerrors.Attributes{
		Message:   "payload does not match message type",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnsupportedType, xerrors.Attributes{
		Message:   "unsupported message type",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidType 检查消息类型是否为已知枚举值。
func IsValidType(t MessageType) bool {
	switch t {
	case TypePing, TypePong, TypeProcessUserRequest, TypeRequestPlan,
		TypePlanGenerated, TypePlanningFailed, TypeTaskAssign,
		TypeTaskResult, TypeTaskFailed, TypeAgentAdvertise:
		return true
	default:
		return false
	}
}

// New 构造一个信封并序列化 payload。heartbeats 等无负载消息传入 nil。
func New(t MessageType, senderID, targetID, correlationID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:          t,
		SenderID:      strings.TrimSpace(senderID),
		TargetID:      strings.TrimSpace(targetID),
		CorrelationID: strings.TrimSpace(correlationID),
		Timestamp:     time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, xerrors.Wrap(CodePayloadMismatch, err, "序列化 payload 失败")
		}
		env.Payload = raw
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// NewPing 构造连接探活消息。
func NewPing(senderID, targetID string) *Envelope {
	return &Envelope{Type: TypePing, SenderID: senderID, TargetID: targetID, Timestamp: time.Now().UnixMilli()}
}

// NewPong 构造探活应答。
func NewPong(senderID, targetID string) *Envelope {
	return &Envelope{Type: TypePong, SenderID: senderID, TargetID: targetID, Timestamp: time.Now().UnixMilli()}
}

// Validate 校验信封的必要字段。未知消息类型返回 ErrUnsupportedType，
// 由调用方决定是丢弃还是拒绝。
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrEnvelopeInvalid
	}
	if e.SenderID == "" || e.TargetID == "" {
		return ErrEnvelopeInvalid
	}
	if e.Type == "" {
		return ErrEnvelopeInvalid
	}
	if !IsValidType(e.Type) {
		return ErrUnsupportedType
	}
	return nil
}

// Encode 将信封序列化为 JSON 字节流，用于连接通道与持久化收件箱。
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, ErrEnvelopeInvalid
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeInvalid, err, "序列化信封失败")
	}
	return data, nil
}

// Decode 反序列化信封并做字段校验。损坏的字节流在此处拦截，
// 不会进入任何 handler。
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeInvalid, err, "解析信封失败")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
