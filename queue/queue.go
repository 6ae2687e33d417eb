package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/usbrwq/dispatch"
	"github.com/ardnew/usbrwq/host"
	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/request"
)

// Device supplies the pipes a queue forwards to. The pipes must stay valid
// for as long as the queue is registered.
type Device interface {
	InputPipe() host.Pipe
	OutputPipe() host.Pipe
}

// StopPolicy controls how in-flight requests react to stop notifications.
type StopPolicy struct {
	// SuspendGrace lets a transfer keep running for this long after a
	// suspend notification before it is cancelled. Zero cancels at once.
	// A resume before the grace period ends disarms the cancel. Purge
	// notifications always cancel at once.
	SuspendGrace time.Duration
}

// Config configures a queue at creation.
type Config struct {
	// PowerManaged is set when this component owns the device's power
	// policy. It is fixed for the life of the queue.
	PowerManaged bool

	StopPolicy StopPolicy
}

// Queue forwards read and write requests to the device's bulk pipes and
// completes each request exactly once.
type Queue struct {
	device Device
	host   *dispatch.Host
	cfg    Config
	queue  *dispatch.Queue

	graceMu sync.Mutex
	grace   map[uint64]*time.Timer // armed suspend cancels by request ID
}

var (
	_ dispatch.ReadHandler   = (*Queue)(nil)
	_ dispatch.WriteHandler  = (*Queue)(nil)
	_ dispatch.StopHandler   = (*Queue)(nil)
	_ dispatch.ResumeHandler = (*Queue)(nil)
)

// Create builds a queue for device and registers it as the default queue of
// h. On error no queue is registered.
func Create(device Device, h *dispatch.Host, cfg Config) (*Queue, error) {
	if device == nil || h == nil {
		return nil, fmt.Errorf("%w: queue requires a device and a host", pkg.ErrInvalidParameter)
	}
	if cfg.StopPolicy.SuspendGrace < 0 {
		return nil, fmt.Errorf("%w: negative suspend grace %s", pkg.ErrInvalidParameter, cfg.StopPolicy.SuspendGrace)
	}

	q := &Queue{
		device: device,
		host:   h,
		cfg:    cfg,
		grace:  make(map[uint64]*time.Timer),
	}
	if err := q.initialize(); err != nil {
		pkg.LogError(pkg.ComponentQueue, "queue initialization failed", "error", err)
		return nil, err
	}
	return q, nil
}

func (q *Queue) initialize() error {
	dq, err := q.host.CreateQueue(q, dispatch.QueueConfig{
		Mode:         dispatch.Parallel,
		Default:      true,
		PowerManaged: q.cfg.PowerManaged,
	})
	if err != nil {
		return fmt.Errorf("create default queue: %w", err)
	}
	q.queue = dq

	pkg.LogInfo(pkg.ComponentQueue, "queue created",
		"powerManaged", q.cfg.PowerManaged,
		"suspendGrace", q.cfg.StopPolicy.SuspendGrace)
	return nil
}

// PowerManaged reports whether the queue follows host power transitions.
func (q *Queue) PowerManaged() bool { return q.cfg.PowerManaged }

// Dispatch returns the dispatcher queue the handler is registered with.
func (q *Queue) Dispatch() *dispatch.Queue { return q.queue }

// OnWrite implements [dispatch.WriteHandler].
func (q *Queue) OnWrite(_ *dispatch.Queue, req *request.Request, length int) {
	dir := request.DirectionWrite.String()
	requestsTotal.WithLabelValues(dir).Inc()
	pkg.LogDebug(pkg.ComponentQueue, "write", "id", req.ID(), "length", length)

	pipe := q.device.OutputPipe()

	mem, err := req.InputMemory()
	if err != nil {
		q.fail(req, dir, stageMemory, err)
		return
	}
	defer mem.Release()

	xfer, err := pipe.FormatRequestForWrite(req, mem, nil, nil)
	if err != nil {
		q.fail(req, dir, stageFormat, err)
		return
	}

	q.forward(pipe, xfer, dir)
}

// OnRead implements [dispatch.ReadHandler].
func (q *Queue) OnRead(_ *dispatch.Queue, req *request.Request, length int) {
	dir := request.DirectionRead.String()
	requestsTotal.WithLabelValues(dir).Inc()
	pkg.LogDebug(pkg.ComponentQueue, "read", "id", req.ID(), "length", length)

	pipe := q.device.InputPipe()

	mem, err := req.OutputMemory()
	if err != nil {
		q.fail(req, dir, stageMemory, err)
		return
	}
	defer mem.Release()

	xfer, err := pipe.FormatRequestForRead(req, mem, nil, nil)
	if err != nil {
		q.fail(req, dir, stageFormat, err)
		return
	}

	q.forward(pipe, xfer, dir)
}

// forward sends xfer without waiting. A failed send never reaches the
// completion callback, so the request is completed here instead.
func (q *Queue) forward(pipe host.Pipe, xfer *host.Transfer, dir string) {
	xfer.SetCompletionCallback(q.onCompletion)
	if err := pipe.Send(xfer, 0, 0); err != nil {
		q.fail(xfer.Request(), dir, stageSend, err)
	}
}

func (q *Queue) onCompletion(req *request.Request, target *host.BulkPipe, params host.CompletionParams) {
	q.complete(req, params.Status, params.Information)
	pkg.LogDebug(pkg.ComponentQueue, "transfer completed",
		"id", req.ID(),
		"pipe", target.String(),
		"status", pkg.StatusOf(params.Status).String(),
		"information", params.Information)
}

func (q *Queue) fail(req *request.Request, dir, stage string, err error) {
	localFailuresTotal.WithLabelValues(dir, stage).Inc()
	pkg.LogWarn(pkg.ComponentQueue, "request failed before transfer",
		"id", req.ID(),
		"stage", stage,
		"error", err)
	q.complete(req, err, 0)
}

func (q *Queue) complete(req *request.Request, status error, information int) {
	if err := req.CompleteWithInformation(status, information); err != nil {
		// Only reachable if something outside the queue completed req.
		pkg.LogError(pkg.ComponentQueue, "request completed twice",
			"id", req.ID(),
			"error", err)
		return
	}
	completionsTotal.WithLabelValues(pkg.StatusOf(status).String()).Inc()
}

// OnIoStop implements [dispatch.StopHandler]. Suspend and purge cancel the
// sent transfer; any other action leaves the request alone.
func (q *Queue) OnIoStop(_ *dispatch.Queue, req *request.Request, action dispatch.StopAction) {
	switch action {
	case dispatch.StopActionSuspend:
		stopNotificationsTotal.WithLabelValues(action.String()).Inc()
		if grace := q.cfg.StopPolicy.SuspendGrace; grace > 0 {
			q.cancelAfter(req, grace)
			return
		}
		q.cancel(req, action)
	case dispatch.StopActionPurge:
		stopNotificationsTotal.WithLabelValues(action.String()).Inc()
		q.cancel(req, action)
	default:
		pkg.LogDebug(pkg.ComponentQueue, "stop action ignored",
			"id", req.ID(),
			"action", action.String())
	}
}

func (q *Queue) cancel(req *request.Request, action dispatch.StopAction) {
	delivered := req.CancelSentRequest()
	pkg.LogDebug(pkg.ComponentQueue, "cancel requested",
		"id", req.ID(),
		"action", action.String(),
		"delivered", delivered)
}

// cancelAfter arms a cancel that is disarmed if req completes or the queue
// resumes first.
func (q *Queue) cancelAfter(req *request.Request, grace time.Duration) {
	id := req.ID()

	q.graceMu.Lock()
	if old, ok := q.grace[id]; ok {
		old.Stop()
	}
	timer := time.AfterFunc(grace, func() {
		if q.disarm(id) {
			q.cancel(req, dispatch.StopActionSuspend)
		}
	})
	q.grace[id] = timer
	q.graceMu.Unlock()

	req.AfterComplete(func(*request.Request) {
		if q.disarm(id) {
			timer.Stop()
		}
	})
}

// disarm forgets the armed cancel for id and reports whether there was one.
func (q *Queue) disarm(id uint64) bool {
	q.graceMu.Lock()
	defer q.graceMu.Unlock()
	if _, ok := q.grace[id]; !ok {
		return false
	}
	delete(q.grace, id)
	return true
}

// OnResume implements [dispatch.ResumeHandler]. Transfers still inside
// their suspend grace period keep running.
func (q *Queue) OnResume(_ *dispatch.Queue) {
	q.graceMu.Lock()
	armed := q.grace
	q.grace = make(map[uint64]*time.Timer)
	q.graceMu.Unlock()

	for _, timer := range armed {
		timer.Stop()
	}
	if len(armed) > 0 {
		pkg.LogDebug(pkg.ComponentQueue, "resume disarmed suspend cancels", "count", len(armed))
	}
}
