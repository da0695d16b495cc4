package discovery

import (
	"log/slog"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// DefaultDomain is the mDNS domain used when none is configured
const DefaultDomain = "local."

// registration is a live advertisement
type registration interface {
	Shutdown()
}

// registerFunc publishes a service instance
type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Advertiser publishes the control port over mDNS/DNS-SD so remotes can find
// the robot without configuration
type Advertiser struct {
	domain   string
	logger   *slog.Logger
	register registerFunc

	mu      sync.Mutex
	entries []registration
}

// NewAdvertiser creates an advertiser for domain, or DefaultDomain if empty
func NewAdvertiser(domain string, logger *slog.Logger) *Advertiser {
	if domain == "" {
		domain = DefaultDomain
	}
	return &Advertiser{
		domain:   domain,
		logger:   logger,
		register: zeroconfRegister,
	}
}

// Advertise publishes serviceName of type protocolTag on port. It reports
// whether the registration succeeded; failures are logged and never fatal.
func (a *Advertiser) Advertise(serviceName, protocolTag string, port int) bool {
	text := []string{"txtvers=1"}
	reg, err := a.register(serviceName, protocolTag, a.domain, port, text, nil)
	if err != nil {
		a.logger.Error("Could not register service",
			slog.String("service", serviceName),
			slog.String("type", protocolTag),
			slog.Int("port", port),
			slog.String("error", err.Error()),
		)
		return false
	}

	a.mu.Lock()
	a.entries = append(a.entries, reg)
	a.mu.Unlock()

	a.logger.Info("Service registered",
		slog.String("service", serviceName),
		slog.String("type", protocolTag),
		slog.String("domain", a.domain),
		slog.Int("port", port),
	)
	return true
}

// Shutdown withdraws every advertisement
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	entries := a.entries
	a.entries = nil
	a.mu.Unlock()

	for _, reg := range entries {
		reg.Shutdown()
	}
	if len(entries) > 0 {
		a.logger.Info("Service advertisements withdrawn", slog.Int("count", len(entries)))
	}
}
