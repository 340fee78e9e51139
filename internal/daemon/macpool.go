package daemon

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// macPrefix is the locally-administered vendor prefix used for generated
// addresses (the QEMU/KVM OUI).
const macPrefix = "52:54:00"

var macPattern = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// macPool tracks every MAC address reserved by a current instance. It is
// a derived index: rebuilt from the registry at load time, then mutated
// in lockstep with it. Not safe for concurrent use — the daemon's
// registry lock covers it.
type macPool struct {
	inUse map[string]struct{}
}

func newMACPool() *macPool {
	return &macPool{inUse: make(map[string]struct{})}
}

// ValidMAC reports whether s is a well-formed unicast MAC address.
func ValidMAC(s string) bool {
	return macPattern.MatchString(strings.ToLower(s))
}

// Claim reserves an explicitly requested address. Addresses already held
// by any current instance are rejected, never silently substituted.
func (p *macPool) Claim(mac string) error {
	mac = strings.ToLower(mac)
	if !ValidMAC(mac) {
		return errorf(ErrValidation, "invalid MAC address %q", mac)
	}
	if _, taken := p.inUse[mac]; taken {
		return repeatedMAC(mac)
	}
	p.inUse[mac] = struct{}{}
	return nil
}

// Generate reserves and returns a fresh address, retrying the random
// suffix on collision with any reserved address.
func (p *macPool) Generate() string {
	for {
		var suffix [3]byte
		rand.Read(suffix[:])
		mac := fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, suffix[0], suffix[1], suffix[2])
		if _, taken := p.inUse[mac]; taken {
			continue
		}
		p.inUse[mac] = struct{}{}
		return mac
	}
}

// Release drops a reservation. Unknown addresses are a no-op, so rollback
// paths can release unconditionally.
func (p *macPool) Release(mac string) {
	delete(p.inUse, strings.ToLower(mac))
}

// ReleaseAll releases every address in macs.
func (p *macPool) ReleaseAll(macs []string) {
	for _, mac := range macs {
		p.Release(mac)
	}
}

// Reserved reports whether mac is currently held.
func (p *macPool) Reserved(mac string) bool {
	_, ok := p.inUse[strings.ToLower(mac)]
	return ok
}
