// Package maincontrol implements MainController: the process-wide
// coordinator that watches the ModemManager bus name, owns the modem entity
// table, and runs the top-level reactor that funnels bus notifications,
// SipActor events, and async-RPC completions into a single place.
//
// Lifecycle follows a ctx-cancellation/signal-driven run loop, and the same
// "goroutine per real source funneling into one select" idiom already used
// by sipactor and audioactor: every D-Bus subscription and every async RPC
// completion is delivered here as an event on a single channel rather than
// touched directly by the goroutine that produced it, so the entity table
// is only ever mutated from this one goroutine.
package maincontrol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sebas/airvoice/internal/asyncref"
	"github.com/sebas/airvoice/internal/config"
	"github.com/sebas/airvoice/internal/entity"
	"github.com/sebas/airvoice/internal/mmclient"
)

// event is one notification drained by the reactor, whatever its source:
// a bus object add/remove, a modem or call state change, a message arriving
// from a SipActor, or an async RPC completion. Mirrors sipactor's sipEvent.
type event struct {
	kind string

	modemPath dbus.ObjectPath
	callPath  dbus.ObjectPath
	added     bool
	state     int32
	owner     string

	sipMsg interface{}
}

// trackedModem is MainController's bookkeeping for one ModemEntity: the
// data-model Modem plus everything needed to unsubscribe and tear it down.
type trackedModem struct {
	modem *entity.Modem
	proxy *mmclient.Modem

	cancel      context.CancelFunc // state-changed subscription
	voiceCancel context.CancelFunc // voice sub-interface subscription

	sipHandle sipHandle

	// calls tracks per-call state-changed subscriptions, keyed by bus path;
	// a call is removed from here exactly when it is observed Terminated
	// or CallDeleted, matching entity.Modem's own Calls table discipline.
	calls map[dbus.ObjectPath]context.CancelFunc
}

// Controller is the MainController: the entity table, the bus watch, and
// the top-level reactor.
type Controller struct {
	mgr     *mmclient.Manager
	configs map[string]config.ModemConfig

	modems map[dbus.ObjectPath]*trackedModem
	events chan event

	refcount asyncref.Counter
}

// NewController builds a MainController over a loaded configuration set,
// keyed by equipment id (internal/config.Load's return value).
func NewController(configs map[string]config.ModemConfig) *Controller {
	return &Controller{
		configs: configs,
		modems:  make(map[dbus.ObjectPath]*trackedModem),
		events:  make(chan event, 64),
	}
}

// Run connects to the system bus, watches the ModemManager well-known name,
// and runs the reactor until ctx is cancelled, at which point it performs
// the exit-teardown sequence (SIP_CMD_EXIT to every SipActor, mm_deinit, and
// a 1-second cadence wait for AsyncRefcount to reach zero) before returning.
func (c *Controller) Run(ctx context.Context) error {
	mgr, err := mmclient.Connect()
	if err != nil {
		return fmt.Errorf("maincontrol: connecting to system bus: %w", err)
	}
	c.mgr = mgr

	nameCh, err := mgr.WatchNameOwnerChanges(ctx)
	if err != nil {
		return fmt.Errorf("maincontrol: watching name owner: %w", err)
	}
	go c.forwardNameOwner(nameCh)

	objCh, err := mgr.WatchObjects(ctx)
	if err != nil {
		return fmt.Errorf("maincontrol: watching objects: %w", err)
	}
	go c.forwardObjects(objCh)

	c.tryEnumerate()

	doneCh := ctx.Done()
	var ticker *time.Ticker
	var tickerC <-chan time.Time

	for {
		select {
		case <-doneCh:
			// Disabling the case (rather than returning straight away)
			// keeps this same select draining c.events while the exit
			// sequence runs, the same nil-channel idiom sipactor.go's
			// audioChannel() uses to make an optional source inert.
			doneCh = nil
			slog.Info("maincontrol: exit requested")
			c.beginExit()
			ticker = time.NewTicker(1 * time.Second)
			tickerC = ticker.C

		case ev := <-c.events:
			c.handleEvent(ev)

		case <-tickerC:
			if c.refcount.Zero() {
				ticker.Stop()
				slog.Info("maincontrol: async operations drained, exiting")
				return nil
			}
		}
	}
}

// handleEvent is the reactor's single dispatch point; every mutation of the
// entity table happens here, on the Run goroutine.
func (c *Controller) handleEvent(ev event) {
	switch ev.kind {
	case "name_owner":
		c.onNameOwnerChange(ev.owner)
	case "object":
		if ev.added {
			c.onModemAdded(ev.modemPath)
		} else {
			c.onModemRemoved(ev.modemPath)
		}
	case "modem_state":
		c.onModemState(ev.modemPath, ev.state)
	case "call":
		c.onCallEvent(ev.modemPath, ev.callPath, ev.added)
	case "call_state":
		c.onCallState(ev.modemPath, ev.callPath, ev.state)
	case "sip":
		c.onSipMessage(ev.modemPath, ev.sipMsg)
	case "sip_gone":
		c.onSipGone(ev.modemPath)
	case "call_create_done":
		c.onCallCreateDone(ev.modemPath, ev.callPath)
	case "call_start_done":
		c.onCallStartDone(ev.modemPath, ev.callPath)
	default:
		slog.Warn("maincontrol: unexpected event kind", "kind", ev.kind)
	}
}

// tryEnumerate lists every currently-managed modem and treats each as if it
// had just been added; it is a no-op (logged at debug) if ModemManager is
// not currently owning its well-known name.
func (c *Controller) tryEnumerate() {
	objs, err := c.mgr.GetManagedObjects()
	if err != nil {
		slog.Debug("maincontrol: modem-manager not present yet", "error", err)
		return
	}
	for path, ifaces := range objs {
		if _, ok := ifaces[mmclient.ModemInterface]; ok {
			c.onModemAdded(path)
		}
	}
}

func (c *Controller) onNameOwnerChange(owner string) {
	if owner != "" {
		slog.Info("maincontrol: modem-manager appeared")
		c.tryEnumerate()
		return
	}

	slog.Warn("maincontrol: modem-manager vanished, dropping all modems")
	for _, tm := range c.modems {
		c.dropModem(tm)
	}
	c.modems = make(map[dbus.ObjectPath]*trackedModem)
}

// onModemAdded creates a ModemEntity for a newly announced modem, rejecting
// a duplicate add as a bug.
func (c *Controller) onModemAdded(path dbus.ObjectPath) {
	if _, exists := c.modems[path]; exists {
		slog.Warn("maincontrol: duplicate modem-added, ignoring", "path", string(path))
		return
	}

	proxy := c.mgr.Modem(path)
	equipID, err := proxy.EquipmentIdentifier()
	if err != nil {
		slog.Error("maincontrol: reading equipment identifier", "path", string(path), "error", err)
		return
	}

	modemCtx, cancel := context.WithCancel(context.Background())
	tm := &trackedModem{
		modem:  entity.NewModem(equipID, string(path)),
		proxy:  proxy,
		cancel: cancel,
		calls:  make(map[dbus.ObjectPath]context.CancelFunc),
	}
	c.modems[path] = tm

	stateCh, err := proxy.WatchStateChanged(modemCtx)
	if err != nil {
		slog.Error("maincontrol: subscribing to state-changed", "equipment_id", equipID, "error", err)
	} else {
		go c.forwardModemState(path, stateCh)
	}

	raw, err := proxy.State()
	if err != nil {
		slog.Error("maincontrol: reading initial modem state", "equipment_id", equipID, "error", err)
		return
	}
	slog.Info("maincontrol: modem added", "equipment_id", equipID, "path", string(path), "state", entity.FromMMState(raw))
	c.onModemState(path, raw)
}

func (c *Controller) onModemRemoved(path dbus.ObjectPath) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}
	slog.Info("maincontrol: modem removed", "equipment_id", tm.modem.EquipmentID)
	c.dropModem(tm)
	delete(c.modems, path)
}

// dropModem is the shared teardown for both explicit removal and a
// ModemManager name-vanish: stop voice first, preserving the invariant that
// a ModemEntity never has a live SipActor with the voice sub-interface
// already unsubscribed.
func (c *Controller) dropModem(tm *trackedModem) {
	c.stopVoice(tm)
	if tm.cancel != nil {
		tm.cancel()
	}
}

// onModemState applies a new coarse state and starts/stops voice on a
// VoiceEnabled-boundary crossing; this collapses the modem-added and
// state-changed handlers into one function, since an initial add is just
// the first crossing from Unknown.
func (c *Controller) onModemState(path dbus.ObjectPath, raw int32) {
	tm, ok := c.modems[path]
	if !ok {
		return
	}
	newState := entity.FromMMState(raw)
	wasVoice := tm.modem.State.VoiceEnabled()
	tm.modem.State = newState
	isVoice := newState.VoiceEnabled()

	switch {
	case isVoice && !wasVoice:
		c.startVoice(path, tm)
	case !isVoice && wasVoice:
		c.stopVoice(tm)
	}
}

func (c *Controller) forwardNameOwner(ch <-chan mmclient.NameOwnerChange) {
	for noc := range ch {
		c.events <- event{kind: "name_owner", owner: noc.NewOwner}
	}
}

func (c *Controller) forwardObjects(ch <-chan mmclient.ObjectEvent) {
	for oe := range ch {
		if !oe.IsModem {
			continue
		}
		c.events <- event{kind: "object", modemPath: oe.Path, added: oe.Added}
	}
}

func (c *Controller) forwardModemState(path dbus.ObjectPath, ch <-chan int32) {
	for s := range ch {
		c.events <- event{kind: "modem_state", modemPath: path, state: s}
	}
}

// beginExit is the exit_requested handler: SIP_CMD_EXIT to every SipActor,
// joined synchronously, then mm_deinit (closing the bus connection). The
// caller installs the AsyncRefcount cadence check afterwards.
func (c *Controller) beginExit() {
	for _, tm := range c.modems {
		tm.sipHandle.requestExit()
	}
	for _, tm := range c.modems {
		tm.sipHandle.join()
		tm.sipHandle.close()
	}
	if c.mgr != nil {
		if err := c.mgr.Close(); err != nil {
			slog.Warn("maincontrol: closing bus connection", "error", err)
		}
	}
	slog.Info("maincontrol: mm_deinit complete, waiting for async operations to drain")
}
