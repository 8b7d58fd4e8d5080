package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/internal/display"
	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
	"github.com/lorawan-server/lorawan-sensor-node/internal/power"
	"github.com/lorawan-server/lorawan-sensor-node/internal/radio"
	"github.com/lorawan-server/lorawan-sensor-node/internal/watchdog"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// PayloadSource produces the uplink bytes. Collect returns the number of
// bytes written (0 on failure), the snapshot they were built from and
// whether any sensor produced a valid reading.
type PayloadSource interface {
	Layout() payload.Layout
	Collect(ctx context.Context, buf []byte) (int, payload.Snapshot, bool)
}

// PowerController sleeps the node
type PowerController interface {
	EnterPostTransmissionSleep(ctx context.Context, interval time.Duration) error
	EnterBackoffSleep(ctx context.Context, d time.Duration) (power.BackoffOutcome, error)
}

// Journal persists cycle outcomes
type Journal interface {
	SaveUplink(ctx context.Context, u *models.Uplink) error
	SaveJoinAttempt(ctx context.Context, a *models.JoinAttempt) error
}

type updater interface {
	Update(now time.Time)
}

// Options wires a Node
type Options struct {
	DevEUI       models.EUI64
	Policy       Policy
	LoopInterval time.Duration

	Radio    radio.Radio
	Source   PayloadSource
	Notifier display.Notifier
	Power    PowerController
	Watchdog watchdog.Watchdog
	Journal  Journal
}

// Node runs one wake cycle
type Node struct {
	devEUI       models.EUI64
	policy       Policy
	loopInterval time.Duration

	radio    radio.Radio
	source   PayloadSource
	notifier display.Notifier
	power    PowerController
	watchdog watchdog.Watchdog
	journal  Journal

	session *Session
	sched   Scheduler
	queue   []Event
	buf     []byte
	now     time.Time
	booted  bool
}

// New validates opts and builds a node with a fresh session
func New(opts Options) (*Node, error) {
	if opts.Radio == nil {
		return nil, errors.New("node: radio is required")
	}
	if opts.Source == nil {
		return nil, errors.New("node: payload source is required")
	}
	if opts.Power == nil {
		return nil, errors.New("node: power controller is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = display.Disabled{}
	}
	if opts.Watchdog == nil {
		opts.Watchdog = watchdog.Nop{}
	}
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = 100 * time.Millisecond
	}
	if opts.Policy.Port == 0 {
		opts.Policy.Port = 1
	}

	return &Node{
		devEUI:       opts.DevEUI,
		policy:       opts.Policy,
		loopInterval: opts.LoopInterval,
		radio:        opts.Radio,
		source:       opts.Source,
		notifier:     opts.Notifier,
		power:        opts.Power,
		watchdog:     opts.Watchdog,
		journal:      opts.Journal,
		session:      NewSession(),
		buf:          make([]byte, opts.Source.Layout().Size()),
	}, nil
}

// Session exposes the cycle state
func (n *Node) Session() *Session {
	return n.session
}

// Scheduler exposes the job slot
func (n *Node) Scheduler() *Scheduler {
	return &n.sched
}

// Run pumps Step until deep sleep (nil), ctx is done, or a collaborator
// fails.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.loopInterval)
	defer ticker.Stop()

	for {
		err := n.Step(ctx, time.Now())
		if errors.Is(err, power.ErrDeepSleep) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs the control loop once: boot on first call, radio events in
// order, the due job, then the display.
func (n *Node) Step(ctx context.Context, now time.Time) error {
	n.now = now

	if !n.booted {
		if err := n.boot(); err != nil {
			return err
		}
	}

	for _, ev := range n.radio.Poll(now) {
		n.queue = append(n.queue, fromRadio(ev))
	}

	if job, ok := n.sched.Due(now); ok {
		n.queue = append(n.queue, job.event())
	}

	if err := n.drain(ctx); err != nil {
		return err
	}

	if u, ok := n.notifier.(updater); ok {
		u.Update(n.now)
	}
	return nil
}

func (n *Node) boot() error {
	n.booted = true
	n.watchdog.Feed()

	log.Info().
		Str("devEUI", n.devEUI.String()).
		Str("cycleID", n.session.CycleID.String()).
		Str("layout", n.source.Layout().String()).
		Msg("cycle started")

	n.notifier.Notify(display.Info, "System started", display.DefaultDuration(display.Info))

	if err := n.radio.StartJoin(); err != nil {
		return fmt.Errorf("start join: %w", err)
	}
	n.queue = append(n.queue, Event{Kind: EventSendRequested})
	return nil
}

func (n *Node) drain(ctx context.Context) error {
	for len(n.queue) > 0 {
		ev := n.queue[0]
		n.queue = n.queue[1:]

		n.watchdog.Feed()
		actions := HandleEvent(ev, n.session, n.policy)

		log.Debug().
			Str("event", ev.Kind.String()).
			Str("state", n.session.JoinState.String()).
			Uint("failures", n.session.ConsecutiveJoinFailures).
			Bool("txPending", n.session.TxPending).
			Int("actions", len(actions)).
			Msg("event handled")

		if len(actions) == 0 && ev.Kind == EventSendRequested && n.session.TxPending {
			log.Debug().Msg("send requested while transmission pending, ignored")
		}

		for _, a := range actions {
			if err := n.execute(ctx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) execute(ctx context.Context, a Action) error {
	switch a.Kind {
	case ActionFeedWatchdog:
		n.watchdog.Feed()

	case ActionNotify:
		n.notifier.Notify(a.Notice.Kind, a.Notice.Text, a.Notice.Duration)

	case ActionScheduleSend:
		n.sched.Schedule(JobSend, n.now.Add(a.Delay))

	case ActionScheduleJoinRetry:
		n.sched.Schedule(JobRetryJoin, n.now.Add(a.Delay))

	case ActionCancelSchedule:
		n.sched.Cancel()

	case ActionCollectPayload:
		n.collect(ctx)

	case ActionTransmit:
		n.transmit(a.Request)

	case ActionBackoffSleep:
		outcome, err := n.power.EnterBackoffSleep(ctx, a.Delay)
		if err != nil {
			return fmt.Errorf("backoff sleep: %w", err)
		}
		if outcome == power.BackoffSlept {
			n.now = n.now.Add(a.Delay)
			n.queue = append(n.queue, Event{Kind: EventBackoffElapsed})
		} else {
			n.sched.Schedule(JobRetryJoin, n.now.Add(a.Delay))
		}

	case ActionRestartJoin:
		log.Info().
			Uint("failures", n.session.ConsecutiveJoinFailures).
			Msg("restarting join")
		n.radio.Reset()
		if err := n.radio.StartJoin(); err != nil {
			return fmt.Errorf("restart join: %w", err)
		}

	case ActionJournal:
		n.record(ctx, a.Record)

	case ActionDeepSleep:
		return n.power.EnterPostTransmissionSleep(ctx, a.Delay)
	}
	return nil
}

func (n *Node) collect(ctx context.Context) {
	size, snap, sensorsOK := n.source.Collect(ctx, n.buf)
	if size == 0 {
		log.Warn().Msg("payload build failed")
		n.queue = append(n.queue, Event{Kind: EventPayloadFailed})
		return
	}

	data := make([]byte, size)
	copy(data, n.buf[:size])

	n.queue = append(n.queue, Event{
		Kind:      EventPayloadReady,
		Payload:   data,
		SensorsOK: sensorsOK,
		Summary:   display.FormatSensorData(snap, n.source.Layout().Fields()),
	})
}

func (n *Node) transmit(req TransmissionRequest) {
	err := n.radio.Send(req.Payload, req.Port, req.Confirmed)
	switch {
	case err == nil:
		log.Info().
			Int("size", len(req.Payload)).
			Uint8("port", req.Port).
			Hex("payload", req.Payload).
			Msg("uplink queued")
	case errors.Is(err, radio.ErrTxPending):
		log.Debug().Msg("radio busy, transmission already pending")
	default:
		log.Error().Err(err).Msg("uplink failed")
		n.queue = append(n.queue, Event{Kind: EventTransmitFailed, Reason: err.Error()})
	}
}

func (n *Node) record(ctx context.Context, r Record) {
	if n.journal == nil {
		return
	}

	var err error
	switch r.Kind {
	case RecordJoin:
		err = n.journal.SaveJoinAttempt(ctx, &models.JoinAttempt{
			ID:        uuid.New(),
			CycleID:   n.session.CycleID,
			DevEUI:    n.devEUI,
			Accepted:  r.Accepted,
			Failures:  r.Failures,
			Reason:    r.Reason,
			CreatedAt: n.now.UTC(),
		})
	case RecordUplink:
		err = n.journal.SaveUplink(ctx, &models.Uplink{
			ID:            uuid.New(),
			CycleID:       n.session.CycleID,
			DevEUI:        n.devEUI,
			FPort:         r.Request.Port,
			Payload:       r.Request.Payload,
			Confirmed:     r.Request.Confirmed,
			TransmittedAt: n.now.UTC(),
		})
	}
	if err != nil {
		log.Error().Err(err).Msg("journal write failed")
	}
}

func fromRadio(ev radio.Event) Event {
	out := Event{Payload: ev.Payload, Reason: ev.Reason}
	switch ev.Kind {
	case radio.JoinStarted:
		out.Kind = EventJoinStarted
	case radio.JoinSucceeded:
		out.Kind = EventJoinSucceeded
	case radio.JoinFailed:
		out.Kind = EventJoinFailed
	case radio.TransmitComplete:
		out.Kind = EventTransmitComplete
	case radio.DownlinkReceived:
		out.Kind = EventDownlinkReceived
	case radio.LinkDead:
		out.Kind = EventLinkDead
	case radio.LinkAlive:
		out.Kind = EventLinkAlive
	}
	return out
}
