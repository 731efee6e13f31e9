package acp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/relay/internal/agent"
)

func newTestProcess(mode, permissionMode string) *process {
	return newProcess(agent.SpawnOptions{
		SessionID:      "s1",
		Cwd:            os.TempDir(),
		Mode:           mode,
		PermissionMode: permissionMode,
	}, newTerminalPool(nil), nil)
}

func nextEvent(t *testing.T, p *process) agent.Event {
	t.Helper()
	select {
	case ev, ok := <-p.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return agent.Event{}
}

type permissionResult struct {
	resp acp.RequestPermissionResponse
	err  error
}

func requestPermission(p *process, ctx context.Context) <-chan permissionResult {
	out := make(chan permissionResult, 1)
	go func() {
		resp, err := p.RequestPermission(ctx, acp.RequestPermissionRequest{Options: testOptions()})
		out <- permissionResult{resp, err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan permissionResult) permissionResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("RequestPermission did not return")
	}
	return permissionResult{}
}

func TestProcess_QuestionAnsweredByToolID(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()

	result := requestPermission(p, context.Background())
	ev := nextEvent(t, p)
	if ev.Kind != agent.EventQuestionRequest {
		t.Fatalf("event kind = %q, want question_request", ev.Kind)
	}
	if ev.ToolID == "" || len(ev.Options) != 3 {
		t.Fatalf("question event = %+v", ev)
	}

	err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlAnswer, ToolID: "other", Value: "1"})
	if !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("answer with wrong tool id = %v, want ErrNoPendingRequest", err)
	}
	err = p.Inject(context.Background(), agent.Control{Kind: agent.ControlAnswer, ToolID: ev.ToolID, Value: "nonsense"})
	if !errors.Is(err, ErrUnknownOption) {
		t.Errorf("unknown answer = %v, want ErrUnknownOption", err)
	}

	if err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlAnswer, ToolID: ev.ToolID, Value: "Allow Always"}); err != nil {
		t.Fatalf("Inject answer: %v", err)
	}
	r := waitResult(t, result)
	if r.err != nil {
		t.Fatalf("RequestPermission error: %v", r.err)
	}
	if got := selectedID(t, r.resp); got != "allow-always" {
		t.Errorf("selected %q, want allow-always", got)
	}
}

func TestProcess_CancelQuestion(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()

	result := requestPermission(p, context.Background())
	ev := nextEvent(t, p)

	if err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlCancelQuestion, ToolID: ev.ToolID}); err != nil {
		t.Fatalf("Inject cancel: %v", err)
	}
	if r := waitResult(t, result); r.resp.Outcome.Cancelled == nil {
		t.Error("expected cancelled outcome")
	}
}

func TestProcess_PlanDecisionWithoutPlan(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()

	err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlPlanDecision, Approved: true})
	if !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("plan decision with nothing pending = %v, want ErrNoPendingRequest", err)
	}

	// A pending question is not a plan.
	result := requestPermission(p, context.Background())
	ev := nextEvent(t, p)
	err = p.Inject(context.Background(), agent.Control{Kind: agent.ControlPlanDecision, Approved: true})
	if !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("plan decision on a question = %v, want ErrNoPendingRequest", err)
	}
	p.Inject(context.Background(), agent.Control{Kind: agent.ControlCancelQuestion, ToolID: ev.ToolID})
	waitResult(t, result)
}

func TestProcess_PlanDecision(t *testing.T) {
	for _, approved := range []bool{true, false} {
		p := newTestProcess(PermissionPlan, "default")

		result := requestPermission(p, context.Background())
		ev := nextEvent(t, p)
		if ev.Kind != agent.EventPlanRequest {
			t.Fatalf("event kind = %q, want plan_request", ev.Kind)
		}

		// Answers do not resolve plans.
		if err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlAnswer, ToolID: ev.ToolID, Value: "1"}); !errors.Is(err, ErrNoPendingRequest) {
			t.Errorf("answer on plan = %v", err)
		}

		if err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlPlanDecision, Approved: approved}); err != nil {
			t.Fatalf("Inject plan decision: %v", err)
		}
		want := "deny"
		if approved {
			want = "allow-once"
		}
		if got := selectedID(t, waitResult(t, result).resp); got != want {
			t.Errorf("approved=%v selected %q, want %q", approved, got, want)
		}
		p.Close()
	}
}

func TestProcess_PermissionModeChangeAppliesToNextRequest(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()

	if err := p.Inject(context.Background(), agent.Control{Kind: agent.ControlPermissionMode, Value: PermissionBypass}); err != nil {
		t.Fatalf("Inject permission mode: %v", err)
	}

	r := waitResult(t, requestPermission(p, context.Background()))
	if got := selectedID(t, r.resp); got != "allow-once" {
		t.Errorf("bypass selected %q, want allow-once", got)
	}
	select {
	case ev := <-p.Events():
		t.Errorf("unexpected event %+v for auto-approved request", ev)
	default:
	}
}

func TestProcess_AbortCancelsPendingQuestion(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()

	result := requestPermission(p, context.Background())
	nextEvent(t, p)

	if err := p.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if r := waitResult(t, result); r.resp.Outcome.Cancelled == nil {
		t.Error("expected cancelled outcome after abort")
	}
}

func TestProcess_CloseUnblocksAndClosesEvents(t *testing.T) {
	p := newTestProcess("default", "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := requestPermission(p, ctx)
	nextEvent(t, p)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r := waitResult(t, result); r.resp.Outcome.Cancelled == nil {
		t.Error("expected cancelled outcome after close")
	}
	if _, ok := <-p.Events(); ok {
		t.Error("events channel should be closed")
	}
	// Idempotent.
	p.Close()
}

func TestProcess_SessionUpdateEvents(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()
	ctx := context.Background()

	updates := []acp.SessionUpdate{
		{AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{Content: acp.ContentBlock{Text: &acp.ContentBlockText{Text: "hello"}}}},
		{AgentThoughtChunk: &acp.SessionUpdateAgentThoughtChunk{Content: acp.ContentBlock{Text: &acp.ContentBlockText{Text: "hmm"}}}},
		{ToolCall: &acp.SessionUpdateToolCall{ToolCallId: "tc-1", Title: "Read file", Status: acp.ToolCallStatusInProgress}},
	}
	for _, u := range updates {
		if err := p.SessionUpdate(ctx, acp.SessionNotification{Update: u}); err != nil {
			t.Fatalf("SessionUpdate: %v", err)
		}
	}

	want := []agent.Event{
		{Kind: agent.EventText, Text: "hello"},
		{Kind: agent.EventThought, Text: "hmm"},
		{Kind: agent.EventToolUse, ToolID: "tc-1", Text: "Read file", Status: string(acp.ToolCallStatusInProgress)},
	}
	for i, w := range want {
		got := nextEvent(t, p)
		if got.Kind != w.Kind || got.Text != w.Text || got.ToolID != w.ToolID || got.Status != w.Status {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestProcess_ReplayIsDropped(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()

	p.setReplaying(true)
	_ = p.SessionUpdate(context.Background(), acp.SessionNotification{Update: acp.SessionUpdate{
		AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{Content: acp.ContentBlock{Text: &acp.ContentBlockText{Text: "old"}}},
	}})
	p.setReplaying(false)

	select {
	case ev := <-p.Events():
		t.Errorf("replayed update leaked as %+v", ev)
	default:
	}
}

func TestProcess_ReadWriteTextFile(t *testing.T) {
	p := newTestProcess("default", "default")
	defer p.Close()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "file.txt")

	if _, err := p.WriteTextFile(ctx, acp.WriteTextFileRequest{Path: path, Content: "a\nb\nc\nd"}); err != nil {
		t.Fatalf("WriteTextFile: %v", err)
	}

	line, limit := 2, 2
	resp, err := p.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: path, Line: &line, Limit: &limit})
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	if resp.Content != "b\nc" {
		t.Errorf("content = %q, want %q", resp.Content, "b\nc")
	}

	if _, err := p.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "relative.txt"}); err == nil {
		t.Error("relative path should be rejected")
	}
}
