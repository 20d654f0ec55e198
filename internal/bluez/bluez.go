// Package bluez is a read/observe-only collaborator over BlueZ's D-Bus
// ObjectManager: it enumerates adapters and connected devices and exposes
// the handful of properties recognition (§4.I) and the manager (§4.G) need
// to reconcile transport state. It never registers or exports anything on
// the bus — discovery, pairing, and bonding stay the host daemon's job.
package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"airpodsd/internal/apperr"
	"airpodsd/internal/recognition"
)

const (
	busService    = "org.bluez"
	rootPath      = "/"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	objectManager = "org.freedesktop.DBus.ObjectManager"
)

// Watcher owns one persistent system-bus connection and polls BlueZ's
// object tree on the manager's schedule (§4.G's 5 s/10 s tickers).
type Watcher struct {
	conn *dbus.Conn

	mu         sync.Mutex
	addrByPath map[dbus.ObjectPath]string
}

// Connect opens the system bus connection the watcher polls over.
func Connect() (*Watcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to system bus: %v", apperr.ErrTransport, err)
	}
	return &Watcher{conn: conn, addrByPath: make(map[dbus.ObjectPath]string)}, nil
}

func (w *Watcher) rememberPath(path dbus.ObjectPath, addr string) {
	w.mu.Lock()
	w.addrByPath[path] = addr
	w.mu.Unlock()
}

func (w *Watcher) forgetPath(path dbus.ObjectPath) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr := w.addrByPath[path]
	delete(w.addrByPath, path)
	return addr
}

// Close releases the underlying bus connection.
func (w *Watcher) Close() error {
	return w.conn.Close()
}

// AdapterInfo is one `org.bluez.Adapter1` object.
type AdapterInfo struct {
	Path    dbus.ObjectPath
	Name    string
	Powered bool
}

// DeviceInfo is one `org.bluez.Device1` object, carrying everything
// recognition (§4.I) and the manager's reconcile loop (§4.G) need.
type DeviceInfo struct {
	Path             dbus.ObjectPath
	AdapterPath      dbus.ObjectPath
	AdapterName      string
	Address          string
	Name             string
	Alias            string
	Connected        bool
	Paired           bool
	Modalias         string
	ManufacturerData map[uint16][]byte
	ServiceUUIDs     []uuid.UUID
}

// RecognitionSignal projects the fields recognition.Matches needs.
func (d DeviceInfo) RecognitionSignal() recognition.Signal {
	return recognition.Signal{
		Modalias:         d.Modalias,
		ManufacturerData: d.ManufacturerData,
		ServiceUUIDs:     d.ServiceUUIDs,
		Name:             d.Name,
		Alias:            d.Alias,
	}
}

func (w *Watcher) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := w.conn.Object(busService, dbus.ObjectPath(rootPath))
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("%w: GetManagedObjects: %v", apperr.ErrTransport, call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("%w: decoding managed objects: %v", apperr.ErrTransport, err)
	}
	return objects, nil
}

// Adapters enumerates every `org.bluez.Adapter1` object currently exported.
func (w *Watcher) Adapters() ([]AdapterInfo, error) {
	objects, err := w.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []AdapterInfo
	for path, ifaces := range objects {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		out = append(out, AdapterInfo{
			Path:    path,
			Name:    adapterName(path),
			Powered: boolProp(props, "Powered"),
		})
	}
	return out, nil
}

// Devices enumerates every `org.bluez.Device1` object currently exported.
func (w *Watcher) Devices() ([]DeviceInfo, error) {
	objects, err := w.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		info := deviceInfoFromProps(path, props)
		w.rememberPath(path, info.Address)
		out = append(out, info)
	}
	return out, nil
}

// Device fetches a single device's properties by path, returning ok=false
// if it is no longer exported (removed by the host stack).
func (w *Watcher) Device(path dbus.ObjectPath) (DeviceInfo, bool, error) {
	objects, err := w.managedObjects()
	if err != nil {
		return DeviceInfo{}, false, err
	}
	ifaces, ok := objects[path]
	if !ok {
		return DeviceInfo{}, false, nil
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return DeviceInfo{}, false, nil
	}
	info := deviceInfoFromProps(path, props)
	w.rememberPath(path, info.Address)
	return info, true, nil
}

func deviceInfoFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) DeviceInfo {
	adapterPath := objectPathProp(props, "Adapter")
	return DeviceInfo{
		Path:             path,
		AdapterPath:      adapterPath,
		AdapterName:      adapterName(adapterPath),
		Address:          stringProp(props, "Address"),
		Name:             stringProp(props, "Name"),
		Alias:            stringProp(props, "Alias"),
		Connected:        boolProp(props, "Connected"),
		Paired:           boolProp(props, "Paired"),
		Modalias:         stringProp(props, "Modalias"),
		ManufacturerData: manufacturerDataProp(props, "ManufacturerData"),
		ServiceUUIDs:     uuidsProp(props, "UUIDs"),
	}
}

// adapterName returns the final path segment ("hci0") of an adapter path.
func adapterName(path dbus.ObjectPath) string {
	s := string(path)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func objectPathProp(props map[string]dbus.Variant, key string) dbus.ObjectPath {
	v, ok := props[key]
	if !ok {
		return ""
	}
	p, _ := v.Value().(dbus.ObjectPath)
	return p
}

// manufacturerDataProp decodes BlueZ's `a{qv}` ManufacturerData property
// (company id -> byte-array variant) into a plain map.
func manufacturerDataProp(props map[string]dbus.Variant, key string) map[uint16][]byte {
	v, ok := props[key]
	if !ok {
		return nil
	}
	raw, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return nil
	}
	out := make(map[uint16][]byte, len(raw))
	for company, variant := range raw {
		switch bytes := variant.Value().(type) {
		case []byte:
			out[company] = bytes
		}
	}
	return out
}

// uuidsProp decodes BlueZ's `UUIDs` property (a list of RFC-4122 strings)
// into parsed uuid.UUID values, skipping anything unparsable.
func uuidsProp(props map[string]dbus.Variant, key string) []uuid.UUID {
	v, ok := props[key]
	if !ok {
		return nil
	}
	raw, ok := v.Value().([]string)
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if u, err := uuid.Parse(s); err == nil {
			out = append(out, u)
		}
	}
	return out
}
