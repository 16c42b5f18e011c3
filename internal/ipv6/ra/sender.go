package ra

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
)

// Socket abstracts the raw ICMPv6 socket so Sender is testable without
// root or a real NIC.
type Socket interface {
	Send(ctx context.Context, packet []byte) error
}

// LinkConfigurer assigns/removes the LAN-side GUA address (<prefix>::1)
// as the delegated prefix changes, backed by vishvananda/netlink in
// production.
type LinkConfigurer interface {
	AssignGUA(iface string, prefix net.IP, prefixLen uint8) error
	RemoveGUA(iface string, prefix net.IP, prefixLen uint8) error
}

// Config configures the RA sender.
type Config struct {
	Enabled      bool
	Interface    string
	Lifetime     time.Duration
	RecursiveDNS []net.IP
}

// Sender periodically broadcasts Router Advertisements and reacts to
// prefix changes published by the DHCPv6-PD client.
type Sender struct {
	cfg    Config
	socket Socket
	link   LinkConfigurer
	clock  clockwork.Clock
	log    *slog.Logger
}

// New constructs a Sender.
func New(cfg Config, socket Socket, link LinkConfigurer, clock clockwork.Clock, log *slog.Logger) *Sender {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{cfg: cfg, socket: socket, link: link, clock: clock, log: log}
}

func toPrefixOption(p *pdclient.PrefixInfo) []prefixOption {
	if p == nil {
		return nil
	}
	return []prefixOption{{Addr: p.Prefix, Len: p.PrefixLen, ValidLifetime: p.ValidLifetime, PreferredLifetime: p.PreferredLifetime}}
}

func (s *Sender) lifetimeSecs() uint32 { return uint32(s.cfg.Lifetime.Seconds()) }

func (s *Sender) interval() time.Duration {
	d := s.cfg.Lifetime / 3
	if d < 200*time.Second {
		d = 200 * time.Second
	}
	return d
}

// Run drives the periodic-send / react-to-change loop until ctx is
// canceled. When RA is disabled it blocks until ctx is done.
func (s *Sender) Run(ctx context.Context, prefixCh <-chan *pdclient.PrefixInfo) error {
	if !s.cfg.Enabled {
		s.log.Info("router advertisements disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	var lastGUA *pdclient.PrefixInfo

	ticker := s.clock.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		s.sendCurrent(ctx, lastGUA)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			// periodic resend; lastGUA unchanged
		case newGUA, ok := <-prefixCh:
			if !ok {
				return nil
			}
			s.reactToChange(ctx, lastGUA, newGUA)
			lastGUA = newGUA
		}
	}
}

func (s *Sender) sendCurrent(ctx context.Context, gua *pdclient.PrefixInfo) {
	pkt := buildPacket(s.lifetimeSecs(), toPrefixOption(gua), s.cfg.RecursiveDNS)
	if err := s.socket.Send(ctx, pkt); err != nil {
		s.log.Warn("failed to send RA", "error", err)
		return
	}
	s.log.Info("sent RA", "bytes", len(pkt), "prefix", prefixLabel(gua))
}

func (s *Sender) reactToChange(ctx context.Context, old, new *pdclient.PrefixInfo) {
	switch {
	case new != nil && old == nil:
		s.assign(new)
	case new != nil && old != nil && !new.Prefix.Equal(old.Prefix):
		s.remove(old)
		s.assign(new)
	case new == nil && old != nil:
		s.remove(old)
	}

	if new == nil {
		if old != nil {
			s.log.Info("GUA prefix withdrawn, sending deprecation RA")
			dep := deprecationPacket(s.lifetimeSecs(), toPrefixOption(old)[0])
			if err := s.socket.Send(ctx, dep); err != nil {
				s.log.Warn("failed to send deprecation RA", "error", err)
			}
		}
		return
	}

	s.log.Info("GUA prefix changed, sending rapid RAs")
	// RFC 4861 §6.2.4: three rapid RAs on prefix change.
	for i := 0; i < 3; i++ {
		pkt := buildPacket(s.lifetimeSecs(), toPrefixOption(new), s.cfg.RecursiveDNS)
		if err := s.socket.Send(ctx, pkt); err != nil {
			s.log.Warn("failed to send rapid RA", "error", err)
		}
		if i < 2 {
			select {
			case <-s.clock.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Sender) assign(p *pdclient.PrefixInfo) {
	if s.link == nil {
		return
	}
	if err := s.link.AssignGUA(s.cfg.Interface, p.Prefix, p.PrefixLen); err != nil {
		s.log.Error("failed to assign LAN GUA", "prefix", prefixLabel(p), "error", err)
	}
}

func (s *Sender) remove(p *pdclient.PrefixInfo) {
	if s.link == nil {
		return
	}
	if err := s.link.RemoveGUA(s.cfg.Interface, p.Prefix, p.PrefixLen); err != nil {
		s.log.Error("failed to remove LAN GUA", "prefix", prefixLabel(p), "error", err)
	}
}

func prefixLabel(p *pdclient.PrefixInfo) string {
	if p == nil {
		return "<none>"
	}
	return p.Prefix.String()
}
