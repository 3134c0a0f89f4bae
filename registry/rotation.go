package registry

import (
	"time"

	"github.com/onionmesh/circuitcore/peermodel"
)

// rotateRole advances the local role cyclically Relay → Entry → Exit →
// Relay (spec §4.3 "Role rotation"), called once RoleRotationInterval has
// elapsed since the last rotation.
func (r *Registry) rotateRole() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.self.Role {
	case peermodel.RoleRelay:
		r.self.Role = peermodel.RoleEntry
	case peermodel.RoleEntry:
		r.self.Role = peermodel.RoleExit
	case peermodel.RoleExit:
		r.self.Role = peermodel.RoleRelay
	default:
		r.self.Role = peermodel.RoleRelay
	}
	r.lastRoleRotation = time.Now()
}
