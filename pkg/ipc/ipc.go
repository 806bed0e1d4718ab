// Package ipc exposes the unpacker's control surface on the D-Bus system
// bus: a caller can request an early Abort or poll GetProgress, and the
// service emits a Progress signal on every reported update. Bus name,
// object path, method and signal shapes, and the privilege gate are a
// direct port of the reference unpacker's control.c and privileged.c.
package ipc

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/goopsie/rootpack/pkg/progress"
)

const (
	busName    = "org.sailfishos.slipstream.unpack"
	objectPath = dbus.ObjectPath("/")
	ifaceName  = "org.sailfishos.slipstream.unpack"
)

// State is queried by GetProgress and mutated by Abort.
type State struct {
	mu        sync.Mutex
	subvolume string
	percent   int
	phase     string
	aborted   bool
}

func (s *State) Set(subvolume string, percent int, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subvolume, s.percent, s.phase = subvolume, percent, phase
}

func (s *State) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Service binds a State to the system bus, exposing it as an
// org.sailfishos.slipstream.unpack object.
type Service struct {
	conn  *dbus.Conn
	state *State
}

// Export connects to the system bus, claims busName, and exports the
// control object. The caller owns the returned Service and must call
// Close when the run finishes.
func Export(state *State) (*Service, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	svc := &Service{conn: conn, state: state}
	if err := conn.Export(svc, objectPath, ifaceName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("exporting control object: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("requesting bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already owned", busName)
	}

	return svc, nil
}

func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Abort is the exported D-Bus method. Only a privileged caller (root, or
// group "privileged") may abort an in-progress run.
func (s *Service) Abort(sender dbus.Sender) (bool, *dbus.Error) {
	allowed, err := isPrivileged(s.conn, sender)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	if !allowed {
		return false, dbus.MakeFailedError(fmt.Errorf("caller %s is not privileged", sender))
	}

	s.state.mu.Lock()
	s.state.aborted = true
	s.state.mu.Unlock()
	return true, nil
}

// GetProgress is the exported D-Bus method, returning the current
// subvolume name, 0-100 percentage, and phase label.
func (s *Service) GetProgress(sender dbus.Sender) (string, int, string, *dbus.Error) {
	allowed, err := isPrivileged(s.conn, sender)
	if err != nil {
		return "", 0, "", dbus.MakeFailedError(err)
	}
	if !allowed {
		return "", 0, "", dbus.MakeFailedError(fmt.Errorf("caller %s is not privileged", sender))
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.subvolume, s.state.percent, s.state.phase, nil
}

// Emit sends the Progress signal for the given update, matching the shape
// of GetProgress's return values.
func (s *Service) Emit(subvolume string, percent int, phase string) error {
	return s.conn.Emit(objectPath, ifaceName+".Progress", subvolume, percent, phase)
}

// Observer adapts a progress.Reporter's updates into State mutation plus a
// Progress signal emission, so pkg/progress stays ignorant of D-Bus.
func (s *Service) Observer(subvolume string) progress.Observer {
	return progress.ObserverFunc(func(percent float64, phase string) {
		pct := int(percent)
		s.state.Set(subvolume, pct, phase)
		_ = s.Emit(subvolume, pct, phase)
	})
}

// isPrivileged ports sfmf_dbus_is_privileged: resolve the sender's unix
// process id via the bus daemon, then check whether /proc/<pid>'s owning
// user is root or owning group is "privileged".
func isPrivileged(conn *dbus.Conn, sender dbus.Sender) (bool, error) {
	busObj := conn.BusObject()
	var pid uint32
	if err := busObj.Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).Store(&pid); err != nil {
		return false, fmt.Errorf("checking caller privileges for %s: %w", sender, err)
	}

	info, err := os.Stat("/proc/" + strconv.FormatUint(uint64(pid), 10))
	if err != nil {
		return false, fmt.Errorf("stat /proc/%d: %w", pid, err)
	}

	uid, gid, err := ownerIDs(info)
	if err != nil {
		return false, err
	}

	username, groupname := "", ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		username = u.Username
	}
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		groupname = g.Name
	}
	return privilegeDecision(username, groupname), nil
}

// privilegeDecision matches the reference's "effective_user == root ||
// effective_group == privileged" gate.
func privilegeDecision(username, groupname string) bool {
	return username == "root" || groupname == "privileged"
}
