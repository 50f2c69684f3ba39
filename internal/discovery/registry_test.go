package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"CrownSafe-ControlPlane/internal/protocol"
)

func TestResolvePrefersEarliestRegistration(t *testing.T) {
	reg := NewRegistry(time.Minute)
	if err := reg.Advertise("worker-a", []string{"text.count"}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}
	if err := reg.Advertise("worker-b", []string{"text.count"}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	for i := 0; i < 5; i++ {
		got, err := reg.Resolve("text.count")
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if got != "worker-a" {
			t.Fatalf("应当稳定解析到最早注册者, got %s", got)
		}
	}

	// 续约不改变注册顺序。
	if err := reg.Advertise("worker-b", []string{"text.count"}); err != nil {
		t.Fatalf("续约失败: %v", err)
	}
	if got, _ := reg.Resolve("text.count"); got != "worker-a" {
		t.Fatalf("续约后解析结果漂移: %s", got)
	}
}

func TestResolveUnknownCapability(t *testing.T) {
	reg := NewRegistry(time.Minute)
	if _, err := reg.Resolve("no.such.capability"); !errors.Is(err, ErrCapabilityUnknown) {
		t.Fatalf("expected ErrCapabilityUnknown, got %v", err)
	}
}

func TestAdvertiseReplacesCapabilitySet(t *testing.T) {
	reg := NewRegistry(time.Minute)
	_ = reg.Advertise("worker-a", []string{"text.count", "text.tokenize"})
	_ = reg.Advertise("worker-a", []string{"text.count"})

	if _, err := reg.Resolve("text.tokenize"); !errors.Is(err, ErrCapabilityUnknown) {
		t.Fatalf("撤销的能力仍可解析: %v", err)
	}
	if got, err := reg.Resolve("text.count"); err != nil || got != "worker-a" {
		t.Fatalf("保留的能力解析失败: %s %v", got, err)
	}
}

func TestExpireBefore(t *testing.T) {
	reg := NewRegistry(time.Minute)
	_ = reg.Advertise("worker-a", []string{"text.count"})

	expired := reg.ExpireBefore(time.Now().Add(-time.Second))
	if len(expired) != 0 {
		t.Fatalf("保活窗口内不应过期: %v", expired)
	}

	expired = reg.ExpireBefore(time.Now().Add(time.Second))
	if len(expired) != 1 || expired[0] != "worker-a" {
		t.Fatalf("过期清理错误: %v", expired)
	}
	if _, err := reg.Resolve("text.count"); !errors.Is(err, ErrCapabilityUnknown) {
		t.Fatalf("过期条目仍可解析: %v", err)
	}
}

func TestResolveSkipsStaleEntries(t *testing.T) {
	reg := NewRegistry(10 * time.Millisecond)
	_ = reg.Advertise("worker-a", []string{"text.count"})
	time.Sleep(30 * time.Millisecond)
	_ = reg.Advertise("worker-b", []string{"text.count"})

	got, err := reg.Resolve("text.count")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if got != "worker-b" {
		t.Fatalf("超过保活窗口的条目不应被解析到, got %s", got)
	}
}

func TestAgentHandlesAdvertise(t *testing.T) {
	reg := NewRegistry(time.Minute)
	agent := NewAgent("", reg)
	if agent.AgentID() != DefaultAgentID {
		t.Fatalf("默认标识错误: %s", agent.AgentID())
	}

	env, err := protocol.New(protocol.TypeAgentAdvertise, "worker-a", agent.AgentID(), "",
		protocol.AdvertisePayload{AgentID: "worker-a", Capabilities: []string{"text.count"}})
	if err != nil {
		t.Fatalf("构造广播失败: %v", err)
	}
	out, err := agent.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("处理广播失败: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("广播不应产生出站消息: %d", len(out))
	}
	if got, err := reg.Resolve("text.count"); err != nil || got != "worker-a" {
		t.Fatalf("广播未登记: %s %v", got, err)
	}
}

func TestAgentIgnoresUnrelatedMessages(t *testing.T) {
	reg := NewRegistry(time.Minute)
	agent := NewAgent("", reg)

	env, err := protocol.New(protocol.TypeTaskResult, "worker-a", agent.AgentID(), "wf-1",
		protocol.TaskResultPayload{StepID: "s1"})
	if err != nil {
		t.Fatalf("构造消息失败: %v", err)
	}
	out, err := agent.Handle(context.Background(), env)
	if err != nil || len(out) != 0 {
		t.Fatalf("无关消息应当被忽略: %v %d", err, len(out))
	}
}
