package protocol

import (
	"errors"
	"testing"

	"CrownSafe-ControlPlane/internal/workflow"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := New(TypeTaskResult, "worker-1", "router-agent", "wf-123",
		TaskResultPayload{StepID: "tokenize", Output: map[string]any{"tokens": []any{"a", "b"}}})
	if err != nil {
		t.Fatalf("构造信封失败: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	if decoded.Type != TypeTaskResult || decoded.SenderID != "worker-1" ||
		decoded.TargetID != "router-agent" || decoded.CorrelationID != "wf-123" {
		t.Fatalf("信封字段不一致: %+v", decoded)
	}
	payload, err := decoded.DecodePayload()
	if err != nil {
		t.Fatalf("载荷解析失败: %v", err)
	}
	result, ok := payload.(*TaskResultPayload)
	if !ok {
		t.Fatalf("载荷类型错误: %T", payload)
	}
	if result.StepID != "tokenize" {
		t.Fatalf("step_id 不一致: %s", result.StepID)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing sender", Envelope{Type: TypePing, TargetID: "b"}},
		{"missing target", Envelope{Type: TypePing, SenderID: "a"}},
		{"missing type", Envelope{SenderID: "a", TargetID: "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.env.Validate(); !errors.Is(err, ErrEnvelopeInvalid) {
				t.Fatalf("expected ErrEnvelopeInvalid, got %v", err)
			}
		})
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	env := Envelope{Type: "SHUTDOWN", SenderID: "a", TargetID: "b"}
	if err := env.Validate(); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestDecodeRejectsCorruptBytes(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("损坏字节流应当被拦截")
	}
}

func TestDecodePayloadMismatch(t *testing.T) {
	env, err := New(TypePlanGenerated, "planner-agent", "router-agent", "wf-1",
		PlanGeneratedPayload{Plan: workflow.Plan{Goal: "g", Steps: []workflow.Step{{StepID: "s1", Capability: "c"}}}})
	if err != nil {
		t.Fatalf("构造信封失败: %v", err)
	}
	env.Payload = []byte(`"just a string"`)
	if _, err := env.DecodePayload(); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
}

func TestPingPongHaveNoPayload(t *testing.T) {
	ping := NewPing("control-plane", "worker-1")
	if err := ping.Validate(); err != nil {
		t.Fatalf("PING 应当合法: %v", err)
	}
	payload, err := ping.DecodePayload()
	if err != nil || payload != nil {
		t.Fatalf("PING 不应携带载荷: %v %v", payload, err)
	}
}
