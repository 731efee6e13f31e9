package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/relay/internal/background"
	"github.com/inercia/relay/internal/logging"
	"github.com/inercia/relay/internal/metrics"
	"github.com/inercia/relay/internal/stream"
)

// StreamController is the subset of the stream manager driven by control
// messages.
type StreamController interface {
	Start(ctx context.Context, sessionID, prompt, mode string) (*stream.Handle, error)
	Stop(ctx context.Context, sessionID string) (stream.StopResult, error)
	SetControlMode(ctx context.Context, sessionID, kind, value string) error
	ResolvePlan(ctx context.Context, sessionID string, approved bool) (bool, error)
	AnswerQuestion(ctx context.Context, sessionID, toolID, answer string) error
	CancelQuestion(ctx context.Context, sessionID, toolID string) error
}

// BackgroundController kills background shells on behalf of a session.
type BackgroundController interface {
	Kill(ctx context.Context, sessionID, bashID string) (background.KillResult, error)
}

// Reply delivers a response to the connection a message came from.
type Reply func(Outbound)

type job struct {
	msg   Inbound
	reply Reply
}

type sessionQueue struct {
	jobs    []job
	running bool
}

// Dispatcher applies control messages. Messages for one session run strictly
// in arrival order; messages for different sessions run concurrently. Kills
// of background shells are ordered per shell and run beside the session's
// other messages.
type Dispatcher struct {
	streams    StreamController
	background BackgroundController
	metrics    *metrics.Metrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(streams StreamController, bg BackgroundController, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		streams:    streams,
		background: bg,
		metrics:    m,
		logger:     logging.Control(),
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]*sessionQueue),
	}
}

// Dispatch enqueues msg on its session's queue and returns immediately.
// reply receives the ack or error for msg, and nothing else.
func (d *Dispatcher) Dispatch(msg Inbound, reply Reply) {
	if msg.Type == MsgPing {
		reply(Outbound{SessionID: msg.SessionID, Event: Pong{Type: EventPong, RequestID: msg.RequestID}})
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		reply(NewError(msg, fmt.Errorf("server shutting down")))
		return
	}
	key := queueKey(msg)
	q, ok := d.queues[key]
	if !ok {
		q = &sessionQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, job{msg: msg, reply: reply})
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(key, q)
	}
	d.mu.Unlock()
}

// queueKey orders kills per background shell, apart from the session's
// stream messages, so a kill never waits behind a stop.
func queueKey(msg Inbound) string {
	if msg.Type == MsgKillBackgroundProcess {
		return "background\x00" + msg.SessionID + "\x00" + msg.BashID
	}
	return msg.SessionID
}

func (d *Dispatcher) drain(key string, q *sessionQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			if d.queues[key] == q {
				delete(d.queues, key)
			}
			d.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		d.handle(j)
	}
}

func (d *Dispatcher) handle(j job) {
	msg := j.msg
	log := d.logger.With("session_id", msg.SessionID, "type", msg.Type)
	if msg.RequestID != "" {
		log = log.With("request_id", msg.RequestID)
	}

	result, err := d.apply(d.ctx, msg)
	if err != nil {
		code := ErrorCode(err)
		if code == CodeInternal {
			log.Error("control message failed", "error", err)
		} else {
			log.Debug("control message rejected", "code", code, "error", err)
		}
		d.metrics.ControlMessage(msg.Type, code)
		j.reply(NewError(msg, err))
		return
	}

	log.Debug("control message applied")
	d.metrics.ControlMessage(msg.Type, "ok")
	if msg.RequestID != "" {
		j.reply(NewAck(msg, result))
	}
}

func (d *Dispatcher) apply(ctx context.Context, msg Inbound) (any, error) {
	switch msg.Type {
	case MsgChat:
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: empty text", ErrBadRequest)
		}
		_, err := d.streams.Start(ctx, msg.SessionID, msg.Text, msg.Mode)
		return nil, err

	case MsgStopGeneration:
		res, err := d.streams.Stop(ctx, msg.SessionID)
		if err != nil {
			return nil, err
		}
		return res, nil

	case MsgSetPermissionMode:
		return nil, d.streams.SetControlMode(ctx, msg.SessionID, stream.ControlPermissionMode, msg.modeValue())

	case MsgSetMode:
		return nil, d.streams.SetControlMode(ctx, msg.SessionID, stream.ControlMode, msg.modeValue())

	case MsgApprovePlan:
		resolved, err := d.streams.ResolvePlan(ctx, msg.SessionID, msg.Approved)
		if err != nil {
			return nil, err
		}
		return PlanResult{Resolved: resolved}, nil

	case MsgAnswerQuestion:
		if msg.ToolID == "" {
			return nil, fmt.Errorf("%w: missing tool_id", ErrBadRequest)
		}
		return nil, d.streams.AnswerQuestion(ctx, msg.SessionID, msg.ToolID, msg.Answer)

	case MsgCancelQuestion:
		if msg.ToolID == "" {
			return nil, fmt.Errorf("%w: missing tool_id", ErrBadRequest)
		}
		return nil, d.streams.CancelQuestion(ctx, msg.SessionID, msg.ToolID)

	case MsgKillBackgroundProcess:
		if msg.BashID == "" {
			return nil, fmt.Errorf("%w: missing bash_id", ErrBadRequest)
		}
		if d.background == nil {
			return nil, background.ErrNotFound
		}
		res, err := d.background.Kill(ctx, msg.SessionID, msg.BashID)
		if res.Outcome != "" {
			d.metrics.BackgroundKill(string(res.Outcome))
		}
		if err != nil {
			return nil, err
		}
		return KillResult{BashID: res.BashID, Outcome: string(res.Outcome)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Type)
	}
}

func (m Inbound) modeValue() string {
	if m.Value != "" {
		return m.Value
	}
	return m.Mode
}

// Close stops accepting messages and waits for queued ones to finish or ctx
// to expire. In-flight handlers see their context cancelled on expiry.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
