// Package mmclient is the modem-management collaborator: a typed client for
// the real org.freedesktop.ModemManager1 system D-Bus service, using
// github.com/godbus/dbus/v5 (no pack example talks to D-Bus; this is the
// one dependency with no in-corpus grounding, justified in DESIGN.md).
//
// Every blocking method here is meant to be invoked from its own goroutine
// by the caller — that goroutine-per-call is Go's idiomatic translation of
// an async, fire-and-forget RPC gated by AsyncRefcount; bumping/dropping the
// refcount around the call is the caller's responsibility (see
// internal/maincontrol), since only the caller knows the scope of the
// logical operation the RPC belongs to.
package mmclient

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	// BusName is the well-known name watched on the system bus.
	BusName = "org.freedesktop.ModemManager1"

	// ModemInterface is the interface name GetManagedObjects/InterfacesAdded
	// report for a modem object, exported so callers can recognize a modem
	// among the other interfaces an object may carry.
	ModemInterface = "org.freedesktop.ModemManager1.Modem"

	managerPath = dbus.ObjectPath("/org/freedesktop/ModemManager1")

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceModem         = ModemInterface
	ifaceVoice         = "org.freedesktop.ModemManager1.Modem.Voice"
	ifaceCall          = "org.freedesktop.ModemManager1.Call"
)

// Manager is the top-level ObjectManager proxy for ModemManager1.
type Manager struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// removeMatch drops match rules installed with AddMatch once a watch ends,
// releasing the daemon-side match-table entries. Errors are ignored: the
// connection may already be closing.
func removeMatch(conn *dbus.Conn, rules ...string) {
	for _, rule := range rules {
		conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	}
}

// Connect opens the system bus connection used for the lifetime of the
// process.
func Connect() (*Manager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return &Manager{conn: conn, obj: conn.Object(BusName, managerPath)}, nil
}

// Close closes the underlying bus connection.
func (m *Manager) Close() error { return m.conn.Close() }

// NameOwnerChange reports a transition of BusName's owner: "" means vanished.
type NameOwnerChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

// WatchNameOwnerChanges subscribes to NameOwnerChanged signals for BusName
// and returns a channel of transitions. The channel is closed when ctx is
// done.
func (m *Manager) WatchNameOwnerChanges(ctx context.Context) (<-chan NameOwnerChange, error) {
	rule := fmt.Sprintf(
		"type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='%s'",
		BusName,
	)
	if err := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("adding name-owner match: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	m.conn.Signal(sigCh)

	out := make(chan NameOwnerChange, 16)
	go func() {
		defer close(out)
		defer removeMatch(m.conn, rule)
		defer m.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
					continue
				}
				name, _ := sig.Body[0].(string)
				oldOwner, _ := sig.Body[1].(string)
				newOwner, _ := sig.Body[2].(string)
				if name != BusName {
					continue
				}
				select {
				case out <- NameOwnerChange{Name: name, OldOwner: oldOwner, NewOwner: newOwner}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// GetManagedObjects enumerates every object ModemManager currently manages,
// keyed by object path then interface name then property name.
func (m *Manager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var result map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := m.obj.Call(ifaceObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&result); err != nil {
		return nil, fmt.Errorf("decoding GetManagedObjects: %w", err)
	}
	return result, nil
}

// ObjectEvent is an InterfacesAdded/InterfacesRemoved notification.
type ObjectEvent struct {
	Path    dbus.ObjectPath
	Added   bool
	IsModem bool
}

// WatchObjects subscribes to InterfacesAdded/InterfacesRemoved on the
// ObjectManager, reporting whether each event concerns a Modem object.
func (m *Manager) WatchObjects(ctx context.Context) (<-chan ObjectEvent, error) {
	var rules []string
	for _, member := range []string{"InterfacesAdded", "InterfacesRemoved"} {
		rule := fmt.Sprintf(
			"type='signal',sender='%s',interface='%s',member='%s'",
			BusName, ifaceObjectManager, member,
		)
		if err := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			removeMatch(m.conn, rules...)
			return nil, fmt.Errorf("adding match for %s: %w", member, err)
		}
		rules = append(rules, rule)
	}

	sigCh := make(chan *dbus.Signal, 16)
	m.conn.Signal(sigCh)

	out := make(chan ObjectEvent, 16)
	go func() {
		defer close(out)
		defer removeMatch(m.conn, rules...)
		defer m.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				var ev ObjectEvent
				switch sig.Name {
				case ifaceObjectManager + ".InterfacesAdded":
					if len(sig.Body) < 2 {
						continue
					}
					path, _ := sig.Body[0].(dbus.ObjectPath)
					ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
					_, isModem := ifaces[ifaceModem]
					ev = ObjectEvent{Path: path, Added: true, IsModem: isModem}
				case ifaceObjectManager + ".InterfacesRemoved":
					if len(sig.Body) < 2 {
						continue
					}
					path, _ := sig.Body[0].(dbus.ObjectPath)
					removed, _ := sig.Body[1].([]string)
					isModem := false
					for _, iface := range removed {
						if iface == ifaceModem {
							isModem = true
						}
					}
					ev = ObjectEvent{Path: path, Added: false, IsModem: isModem}
				default:
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Modem returns a proxy for the modem at path.
func (m *Manager) Modem(path dbus.ObjectPath) *Modem {
	return &Modem{conn: m.conn, obj: m.conn.Object(BusName, path), path: path}
}

// Modem is a proxy over org.freedesktop.ModemManager1.Modem.
type Modem struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// Path returns the modem's bus object path.
func (mo *Modem) Path() dbus.ObjectPath { return mo.path }

// EquipmentIdentifier reads the modem's persistent equipment id (e.g. IMEI).
func (mo *Modem) EquipmentIdentifier() (string, error) {
	v, err := mo.obj.GetProperty(ifaceModem + ".EquipmentIdentifier")
	if err != nil {
		return "", fmt.Errorf("getting EquipmentIdentifier: %w", err)
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("EquipmentIdentifier: unexpected type %T", v.Value())
	}
	return s, nil
}

// State reads the modem's current coarse state as ModemManager's raw
// MMModemState integer.
func (mo *Modem) State() (int32, error) {
	v, err := mo.obj.GetProperty(ifaceModem + ".State")
	if err != nil {
		return 0, fmt.Errorf("getting State: %w", err)
	}
	s, ok := v.Value().(int32)
	if !ok {
		return 0, fmt.Errorf("State: unexpected type %T", v.Value())
	}
	return s, nil
}

// WatchStateChanged subscribes to PropertiesChanged on this modem and
// reports every new "State" value.
func (mo *Modem) WatchStateChanged(ctx context.Context) (<-chan int32, error) {
	rule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		BusName, ifaceProperties, mo.path,
	)
	if err := mo.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("adding state-changed match: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	mo.conn.Signal(sigCh)

	out := make(chan int32, 16)
	go func() {
		defer close(out)
		defer removeMatch(mo.conn, rule)
		defer mo.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != mo.path || sig.Name != ifaceProperties+".PropertiesChanged" || len(sig.Body) < 2 {
					continue
				}
				iface, _ := sig.Body[0].(string)
				if iface != ifaceModem {
					continue
				}
				changed, _ := sig.Body[1].(map[string]dbus.Variant)
				v, ok := changed["State"]
				if !ok {
					continue
				}
				state, ok := v.Value().(int32)
				if !ok {
					continue
				}
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Voice returns the voice sub-interface proxy for this modem.
func (mo *Modem) Voice() *Voice {
	return &Voice{conn: mo.conn, obj: mo.obj, path: mo.path}
}

// Voice is a proxy over org.freedesktop.ModemManager1.Modem.Voice.
type Voice struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// ListCalls lists every call currently tracked by the voice sub-interface.
func (v *Voice) ListCalls() ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	call := v.obj.Call(ifaceVoice+".ListCalls", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ListCalls: %w", call.Err)
	}
	if err := call.Store(&paths); err != nil {
		return nil, fmt.Errorf("decoding ListCalls: %w", err)
	}
	return paths, nil
}

// CreateCall issues the Voice.CreateCall RPC to place a cellular call to
// number. It blocks until ModemManager returns the new call's object path
// or an error; callers run it in its own goroutine and bump AsyncRefcount
// around the call, following the fire-and-forget RPC discipline used
// throughout this package.
func (v *Voice) CreateCall(number string) (dbus.ObjectPath, error) {
	props := map[string]dbus.Variant{
		"number": dbus.MakeVariant(number),
	}
	var path dbus.ObjectPath
	call := v.obj.Call(ifaceVoice+".CreateCall", 0, props)
	if call.Err != nil {
		return "", fmt.Errorf("CreateCall: %w", call.Err)
	}
	if err := call.Store(&path); err != nil {
		return "", fmt.Errorf("decoding CreateCall result: %w", err)
	}
	return path, nil
}

// CallEvent is a CallAdded (Added true) or CallDeleted (Added false)
// notification from the voice sub-interface.
type CallEvent struct {
	Path  dbus.ObjectPath
	Added bool
}

// WatchCalls subscribes to CallAdded/CallDeleted signals.
func (v *Voice) WatchCalls(ctx context.Context) (<-chan CallEvent, error) {
	var rules []string
	for _, member := range []string{"CallAdded", "CallDeleted"} {
		rule := fmt.Sprintf(
			"type='signal',sender='%s',interface='%s',member='%s',path='%s'",
			BusName, ifaceVoice, member, v.path,
		)
		if err := v.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			removeMatch(v.conn, rules...)
			return nil, fmt.Errorf("adding %s match: %w", member, err)
		}
		rules = append(rules, rule)
	}

	sigCh := make(chan *dbus.Signal, 16)
	v.conn.Signal(sigCh)

	out := make(chan CallEvent, 16)
	go func() {
		defer close(out)
		defer removeMatch(v.conn, rules...)
		defer v.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != v.path || len(sig.Body) < 1 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				switch sig.Name {
				case ifaceVoice + ".CallAdded":
					select {
					case out <- CallEvent{Path: path, Added: true}:
					case <-ctx.Done():
						return
					}
				case ifaceVoice + ".CallDeleted":
					select {
					case out <- CallEvent{Path: path, Added: false}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Call returns a proxy for the call at path.
func (mo *Modem) Call(path dbus.ObjectPath) *Call {
	return &Call{conn: mo.conn, obj: mo.conn.Object(BusName, path), path: path}
}

// Call is a proxy over org.freedesktop.ModemManager1.Call.
type Call struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// Path returns the call's bus object path.
func (c *Call) Path() dbus.ObjectPath { return c.path }

// State reads the call's current MMCallState integer.
func (c *Call) State() (int32, error) {
	v, err := c.obj.GetProperty(ifaceCall + ".State")
	if err != nil {
		return 0, fmt.Errorf("getting call State: %w", err)
	}
	s, ok := v.Value().(int32)
	if !ok {
		return 0, fmt.Errorf("call State: unexpected type %T", v.Value())
	}
	return s, nil
}

// WatchStateChanged subscribes to the call's StateChanged signal.
func (c *Call) WatchStateChanged(ctx context.Context) (<-chan int32, error) {
	rule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='StateChanged',path='%s'",
		BusName, ifaceCall, c.path,
	)
	if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("adding call state-changed match: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	c.conn.Signal(sigCh)

	out := make(chan int32, 16)
	go func() {
		defer close(out)
		defer removeMatch(c.conn, rule)
		defer c.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != c.path || sig.Name != ifaceCall+".StateChanged" || len(sig.Body) < 2 {
					continue
				}
				newState, ok := sig.Body[1].(int32)
				if !ok {
					continue
				}
				select {
				case out <- newState:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Start issues Call.Start, placing the outbound cellular call. It blocks
// until ModemManager accepts or rejects the request.
func (c *Call) Start() error {
	call := c.obj.Call(ifaceCall+".Start", 0)
	if call.Err != nil {
		return fmt.Errorf("Call.Start: %w", call.Err)
	}
	return nil
}
