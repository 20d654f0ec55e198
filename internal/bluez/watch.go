package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// Sink receives the adapter/device lifecycle events Watch derives from BlueZ's
// D-Bus signals, matching the manager's external inbox commands (§4.G).
type Sink interface {
	AdapterAvailable(name string)
	AdapterLost(name string)
	DeviceDiscovered(info DeviceInfo)
	BluetoothConnected(addr string)
	BluetoothDisconnected(addr string)
	DeviceLost(addr string)
}

const propertiesChangedMember = "org.freedesktop.DBus.Properties.PropertiesChanged"

// Watch subscribes to BlueZ's ObjectManager and property-change signals and
// forwards translated events to sink until ctx is cancelled. It complements,
// rather than replaces, the manager's periodic poll: a missed or out-of-order
// signal is corrected on the next reconcile/adapter-scan tick.
func (w *Watcher) Watch(ctx context.Context, sink Sink) error {
	if err := w.conn.AddMatchSignal(dbus.WithMatchInterface(objectManager)); err != nil {
		return err
	}
	if err := w.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return err
	}

	ch := make(chan *dbus.Signal, 32)
	w.conn.Signal(ch)
	defer w.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			w.handleSignal(sig, sink)
		}
	}
}

func (w *Watcher) handleSignal(sig *dbus.Signal, sink Sink) {
	switch sig.Name {
	case objectManager + ".InterfacesAdded":
		w.handleInterfacesAdded(sig, sink)
	case objectManager + ".InterfacesRemoved":
		w.handleInterfacesRemoved(sig, sink)
	case propertiesChangedMember:
		w.handlePropertiesChanged(sig, sink)
	}
}

func (w *Watcher) handleInterfacesAdded(sig *dbus.Signal, sink Sink) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	if props, ok := ifaces[adapterIface]; ok {
		name := adapterName(path)
		if boolProp(props, "Powered") {
			sink.AdapterAvailable(name)
		}
	}
	if props, ok := ifaces[deviceIface]; ok {
		info := deviceInfoFromProps(path, props)
		w.rememberPath(path, info.Address)
		if info.Connected {
			sink.DeviceDiscovered(info)
		}
	}
}

func (w *Watcher) handleInterfacesRemoved(sig *dbus.Signal, sink Sink) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	removed, ok := sig.Body[1].([]string)
	if !ok {
		return
	}
	for _, iface := range removed {
		if iface == deviceIface {
			if addr := w.forgetPath(path); addr != "" {
				sink.DeviceLost(addr)
			}
		}
		if iface == adapterIface {
			sink.AdapterLost(adapterName(path))
		}
	}
}

func (w *Watcher) handlePropertiesChanged(sig *dbus.Signal, sink Sink) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case adapterIface:
		v, ok := changed["Powered"]
		if !ok {
			return
		}
		powered, _ := v.Value().(bool)
		name := adapterName(sig.Path)
		if powered {
			sink.AdapterAvailable(name)
		} else {
			sink.AdapterLost(name)
		}
	case deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		connected, _ := v.Value().(bool)
		addr := w.addrForPath(sig.Path)
		if addr == "" {
			info, found, err := w.Device(sig.Path)
			if err != nil || !found {
				return
			}
			addr = info.Address
			if connected {
				sink.DeviceDiscovered(info)
				return
			}
		}
		if connected {
			sink.BluetoothConnected(addr)
		} else {
			sink.BluetoothDisconnected(addr)
		}
	}
}

func (w *Watcher) addrForPath(path dbus.ObjectPath) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrByPath[path]
}
