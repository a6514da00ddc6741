package allocator

import (
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/mono"

	"github.com/livekit/downlink-allocator/pkg/allocation"
	"github.com/livekit/downlink-allocator/pkg/bwe"
	"github.com/livekit/downlink-allocator/pkg/catalog"
	"github.com/livekit/downlink-allocator/pkg/config"
	"github.com/livekit/downlink-allocator/pkg/subscription"
	"github.com/livekit/downlink-allocator/pkg/telemetry/prometheus"
	"github.com/livekit/downlink-allocator/pkg/utils"
	"github.com/livekit/downlink-allocator/pkg/video"
)

// ---------------------------------------------------------------------------

type allocatorSignal int

const (
	allocatorSignalSetPreferences allocatorSignal = iota
	allocatorSignalUpdateSources
	allocatorSignalEstimate
	allocatorSignalREMB
	allocatorSignalCommandResult
	allocatorSignalSetChannelCapacity
	allocatorSignalPeriodicPing
	allocatorSignalEvaluate
)

func (s allocatorSignal) String() string {
	switch s {
	case allocatorSignalSetPreferences:
		return "SET_PREFERENCES"
	case allocatorSignalUpdateSources:
		return "UPDATE_SOURCES"
	case allocatorSignalEstimate:
		return "ESTIMATE"
	case allocatorSignalREMB:
		return "REMB"
	case allocatorSignalCommandResult:
		return "COMMAND_RESULT"
	case allocatorSignalSetChannelCapacity:
		return "SET_CHANNEL_CAPACITY"
	case allocatorSignalPeriodicPing:
		return "PERIODIC_PING"
	case allocatorSignalEvaluate:
		return "EVALUATE"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// ---------------------------------------------------------------------------

type Event struct {
	Signal allocatorSignal
	Data   interface{}
}

func (e Event) String() string {
	return fmt.Sprintf("Allocator:Event{signal: %s, data: %+v}", e.Signal, e.Data)
}

type estimatePayload struct {
	bps       int64
	congested bool
}

type commandResultPayload struct {
	id  video.SourceID
	err error
}

// ---------------------------------------------------------------------------

// SubscriptionTransport executes subscription changes against the media
// transport. Commands are issued from a single worker goroutine, a stalled
// implementation stalls all of them. A nil return means the command was
// accepted, the outcome is reported asynchronously via
// Allocator.HandleSubscriptionResult. A non-nil return is treated as the
// command's result.
type SubscriptionTransport interface {
	Subscribe(id video.SourceID, layer int) error
	Unsubscribe(id video.SourceID) error
}

// ---------------------------------------------------------------------------

type AllocatorParams struct {
	Config    *config.Config
	Transport SubscriptionTransport
	Logger    logger.Logger
}

// Allocator decides which remote video sources a client receives at which
// simulcast layer, given ranked preferences, the source catalog and the
// downlink bandwidth budget. All decision making runs on a single event
// goroutine, external inputs are posted as events.
type Allocator struct {
	params AllocatorParams

	catalog      *catalog.Catalog
	engine       *allocation.Engine
	stateMachine *subscription.StateMachine
	monitor      *bwe.Monitor
	dispatcher   *subscription.Dispatcher
	commandQueue *utils.OpsQueue

	bwe cc.BandwidthEstimator

	// owned by the event goroutine
	prefs *video.PreferenceSet
	cycle uint64

	sourcesDebounce func(func())

	eventChMu sync.RWMutex
	eventCh   chan Event

	stop core.Fuse
}

func NewAllocator(params AllocatorParams) *Allocator {
	a := &Allocator{
		params: params,
		catalog: catalog.NewCatalog(catalog.CatalogParams{
			Logger: params.Logger,
		}),
		engine: allocation.NewEngine(allocation.EngineParams{
			Logger: params.Logger,
		}),
		stateMachine: subscription.NewStateMachine(subscription.StateMachineParams{
			Config: params.Config.Allocator,
			Logger: params.Logger,
		}),
		monitor: bwe.NewMonitor(bwe.MonitorParams{
			Config: params.Config.Estimate,
			Logger: params.Logger,
		}),
		dispatcher: subscription.NewDispatcher(subscription.DispatcherParams{
			Logger: params.Logger,
		}),
		commandQueue: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:   "subscription-commands",
			Size:   64,
			Logger: params.Logger,
		}),
		prefs:   video.NewPreferenceSet(),
		eventCh: make(chan Event, 1024),
	}

	if delay := params.Config.Allocator.SourceSettleDelay; delay > 0 {
		a.sourcesDebounce = debounce.New(delay)
	}

	return a
}

func (a *Allocator) Start() {
	a.commandQueue.Start()

	go a.processEvents()
	go a.ping()
}

func (a *Allocator) Stop() {
	a.eventChMu.Lock()
	if a.stop.IsBroken() {
		a.eventChMu.Unlock()
		return
	}

	a.stop.Break()
	close(a.eventCh)
	a.eventChMu.Unlock()

	a.commandQueue.Stop()
}

// ---------------------------------------------------------------------------

// SetPreferences replaces the whole ranked preference list. Invalid entries
// are dropped with a warning, the remainder is applied on the next cycle.
func (a *Allocator) SetPreferences(prefs []video.Preference) {
	set := video.NewPreferenceSet()
	for _, p := range prefs {
		if err := p.Validate(); err != nil {
			a.params.Logger.Warnw("dropping invalid preference", err, "preference", p)
			continue
		}
		set.Set(p)
	}

	a.postEvent(Event{
		Signal: allocatorSignalSetPreferences,
		Data:   set,
	})
}

// UpdateSources reconciles the source catalog against the latest room state.
func (a *Allocator) UpdateSources(sources []video.Source) {
	a.postEvent(Event{
		Signal: allocatorSignalUpdateSources,
		Data:   sources,
	})
}

func (a *Allocator) AddObserver(key string, observer subscription.Observer) {
	a.dispatcher.AddObserver(key, observer)
}

func (a *Allocator) RemoveObserver(key string) {
	a.dispatcher.RemoveObserver(key)
}

// HandleSubscriptionResult reports the outcome of a previously issued
// subscription command, nil means confirmed.
func (a *Allocator) HandleSubscriptionResult(id video.SourceID, err error) {
	a.postEvent(Event{
		Signal: allocatorSignalCommandResult,
		Data:   commandResultPayload{id: id, err: err},
	})
}

// SetBandwidthEstimator wires a send side estimator, target bitrate changes
// feed the budget monitor.
func (a *Allocator) SetBandwidthEstimator(bwe cc.BandwidthEstimator) {
	if bwe != nil {
		bwe.OnTargetBitrateChange(a.onTargetBitrateChange)
	}
	a.bwe = bwe
}

// called when target bitrate changes (send side bandwidth estimation)
func (a *Allocator) onTargetBitrateChange(bitrate int) {
	a.postEvent(Event{
		Signal: allocatorSignalEstimate,
		Data:   estimatePayload{bps: int64(bitrate)},
	})
}

// OnREMB feeds a receive side estimate.
func (a *Allocator) OnREMB(remb *rtcp.ReceiverEstimatedMaximumBitrate) {
	if remb == nil {
		return
	}

	a.postEvent(Event{
		Signal: allocatorSignalREMB,
		Data:   int64(remb.Bitrate),
	})
}

// OnTransportCCFeedback forwards transport-cc feedback to the send side
// estimator, estimate changes come back through OnTargetBitrateChange.
func (a *Allocator) OnTransportCCFeedback(fb *rtcp.TransportLayerCC) {
	if a.bwe != nil {
		a.bwe.WriteRTCP([]rtcp.Packet{fb}, nil)
	}
}

// OnEstimate feeds a bandwidth estimate directly, congested marks the
// estimate as taken under congestion.
func (a *Allocator) OnEstimate(bps int64, congested bool) {
	a.postEvent(Event{
		Signal: allocatorSignalEstimate,
		Data:   estimatePayload{bps: bps, congested: congested},
	})
}

// SetChannelCapacity overrides the estimator, 0 clears the override.
func (a *Allocator) SetChannelCapacity(bps int64) {
	a.postEvent(Event{
		Signal: allocatorSignalSetChannelCapacity,
		Data:   bps,
	})
}

// EvaluateNow forces an evaluation cycle out of band.
func (a *Allocator) EvaluateNow() {
	a.postEvent(Event{
		Signal: allocatorSignalEvaluate,
	})
}

// CommittedState returns the committed stream state of every tracked source.
func (a *Allocator) CommittedState() map[video.SourceID]subscription.StreamState {
	states := a.stateMachine.Snapshot()

	committed := make(map[video.SourceID]subscription.StreamState, len(states))
	for _, ss := range states {
		committed[ss.Source] = ss.State
	}
	return committed
}

// Snapshot returns the committed state of every tracked source, including
// the subscribed layer, in first-seen order.
func (a *Allocator) Snapshot() []subscription.SourceState {
	return a.stateMachine.Snapshot()
}

// ---------------------------------------------------------------------------

func (a *Allocator) postEvent(event Event) {
	a.eventChMu.RLock()
	if a.stop.IsBroken() {
		a.eventChMu.RUnlock()
		return
	}

	select {
	case a.eventCh <- event:
	default:
		a.params.Logger.Warnw("allocator: event queue full", nil, "event", event.String())
	}
	a.eventChMu.RUnlock()
}

func (a *Allocator) processEvents() {
	for event := range a.eventCh {
		if a.stop.IsBroken() {
			break
		}

		a.handleEvent(&event)
	}
}

func (a *Allocator) ping() {
	ticker := time.NewTicker(a.params.Config.Allocator.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.postEvent(Event{
				Signal: allocatorSignalPeriodicPing,
			})

		case <-a.stop.Watch():
			return
		}
	}
}

func (a *Allocator) handleEvent(event *Event) {
	switch event.Signal {
	case allocatorSignalSetPreferences:
		a.handleSignalSetPreferences(event)
	case allocatorSignalUpdateSources:
		a.handleSignalUpdateSources(event)
	case allocatorSignalEstimate:
		a.handleSignalEstimate(event)
	case allocatorSignalREMB:
		a.handleSignalREMB(event)
	case allocatorSignalCommandResult:
		a.handleSignalCommandResult(event)
	case allocatorSignalSetChannelCapacity:
		a.handleSignalSetChannelCapacity(event)
	case allocatorSignalPeriodicPing:
		a.handleSignalPeriodicPing(event)
	case allocatorSignalEvaluate:
		a.handleSignalEvaluate(event)
	}
}

func (a *Allocator) handleSignalSetPreferences(event *Event) {
	prefs, _ := event.Data.(*video.PreferenceSet)
	if prefs == nil {
		return
	}

	a.prefs = prefs
	a.evaluate()
}

func (a *Allocator) handleSignalUpdateSources(event *Event) {
	sources, _ := event.Data.([]video.Source)

	added, removed := a.catalog.UpdateSources(sources)
	for _, cmd := range a.stateMachine.SyncCatalog(added, removed) {
		a.issueCommand(cmd)
	}

	// preferences follow the catalog, entries for departed sources go with
	// them. Entries for sources that have not shown up yet stay put.
	if len(removed) > 0 {
		gone := make(map[video.SourceID]bool, len(removed))
		for _, id := range removed {
			gone[id] = true
		}
		if dropped := a.prefs.Prune(func(id video.SourceID) bool { return !gone[id] }); len(dropped) > 0 {
			a.params.Logger.Debugw("dropped preferences of removed sources", "sources", dropped)
		}
	}

	if a.sourcesDebounce != nil {
		a.sourcesDebounce(func() {
			a.postEvent(Event{
				Signal: allocatorSignalEvaluate,
			})
		})
		return
	}

	a.evaluate()
}

func (a *Allocator) handleSignalEstimate(event *Event) {
	payload, _ := event.Data.(estimatePayload)

	a.monitor.UpdateEstimate(payload.bps, payload.congested, mono.Now())
	a.evaluate()
}

func (a *Allocator) handleSignalREMB(event *Event) {
	bps, _ := event.Data.(int64)

	a.monitor.UpdateEstimate(bps, false, mono.Now())
	a.evaluate()
}

func (a *Allocator) handleSignalCommandResult(event *Event) {
	payload, _ := event.Data.(commandResultPayload)

	transitions, reevaluate := a.stateMachine.HandleCommandResult(payload.id, payload.err, mono.Now())
	a.notify(transitions)
	if reevaluate {
		a.evaluate()
	}
}

func (a *Allocator) handleSignalSetChannelCapacity(event *Event) {
	bps, _ := event.Data.(int64)

	a.monitor.SetChannelCapacity(bps)
	a.evaluate()
}

func (a *Allocator) handleSignalPeriodicPing(event *Event) {
	a.evaluate()
}

func (a *Allocator) handleSignalEvaluate(event *Event) {
	a.evaluate()
}

// ---------------------------------------------------------------------------

// evaluate runs one allocation cycle: expire stale commands, compute the
// budget, allocate, commit the decisions and fan out the fallout.
func (a *Allocator) evaluate() {
	a.cycle++
	now := mono.Now()

	// fail commands that have been in flight too long first, Commit sees
	// the reverted state and can re-propose
	timedOut, _ := a.stateMachine.CheckPending(a.cycle, now)
	a.notify(timedOut)

	budget := a.monitor.Budget(now)
	decisions := a.engine.Allocate(a.catalog.Snapshot(), a.prefs, budget)

	transitions, commands := a.stateMachine.Commit(decisions, a.cycle, now)
	for _, cmd := range commands {
		a.issueCommand(cmd)
	}
	a.notify(transitions)

	subscribed, paused := decisions.Counts()
	prometheus.RecordEvaluation(
		subscribed,
		paused,
		decisions.CommittedBitrate(),
		budget.Usable(),
		budget.Congested,
		a.stateMachine.PendingCommands(),
	)

	if len(transitions) != 0 || len(commands) != 0 {
		a.params.Logger.Debugw("evaluated",
			"cycle", a.cycle,
			"budget", budget,
			"decisions", decisions,
			"transitions", len(transitions),
			"commands", len(commands),
		)
	}
}

// issueCommand hands a command to the transport on the worker queue. A
// synchronous error is fed back as that command's result.
func (a *Allocator) issueCommand(cmd subscription.Command) {
	prometheus.RecordCommand(cmd.Kind.String(), "issued")

	a.commandQueue.Enqueue(func() {
		var err error
		switch cmd.Kind {
		case subscription.CommandSubscribe:
			err = a.params.Transport.Subscribe(cmd.Source, cmd.Layer)
		case subscription.CommandUnsubscribe:
			err = a.params.Transport.Unsubscribe(cmd.Source)
		}
		if err != nil {
			a.HandleSubscriptionResult(cmd.Source, err)
		}
	})
}

func (a *Allocator) notify(transitions []subscription.Transition) {
	if len(transitions) == 0 {
		return
	}

	a.dispatcher.Dispatch(transitions)
	for _, t := range transitions {
		prometheus.RecordTransition(t.Kind.String())
	}
}
