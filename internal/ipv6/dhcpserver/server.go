package dhcpserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
)

// Conn abstracts the bound, multicast-joined UDP/547 socket so Server
// is testable without a real NIC. ReadFrom blocks until a packet or
// ctx cancellation; WriteTo sends one reply.
type Conn interface {
	ReadFrom(ctx context.Context) (data []byte, src net.IP, err error)
	WriteTo(ctx context.Context, data []byte, dst net.IP) error
}

// Config configures allocation and lease timing.
type Config struct {
	Enabled        bool
	RangeStart     uint64
	RangeEnd       uint64
	ValidLifetime  time.Duration
	PurgeInterval  time.Duration
	RecursiveDNS   []net.IP
	ServerDUID     []byte
}

// PrefixSource supplies the current delegated LAN prefix, shared with
// the RA sender and reconciler via pdclient.Client.Prefixes.
type PrefixSource func() *pdclient.PrefixInfo

// Server is the DHCPv6 stateful server.
type Server struct {
	cfg    Config
	conn   Conn
	leases *LeaseStore
	prefix PrefixSource
	clock  clockwork.Clock
	log    *slog.Logger
}

// New constructs a Server. Call Run to serve and RunPurgeLoop to
// reclaim expired leases.
func New(cfg Config, conn Conn, leases *LeaseStore, prefix PrefixSource, clock clockwork.Clock, log *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.ServerDUID) == 0 {
		cfg.ServerDUID = []byte{0x00, 0x03, 0x00, 0x01, 0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	}
	return &Server{cfg: cfg, conn: conn, leases: leases, prefix: prefix, clock: clock, log: log}
}

// Run serves DHCPv6 requests until ctx is canceled. When the server
// is disabled it blocks until ctx is done so the caller's goroutine
// accounting stays uniform.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("dhcpv6 server disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		data, src, err := s.conn.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("dhcpv6 recv error", "error", err)
			continue
		}
		if len(data) < 4 {
			continue
		}
		reply := s.handle(data, src)
		if reply == nil {
			continue
		}
		if err := s.conn.WriteTo(ctx, reply, src); err != nil {
			s.log.Warn("dhcpv6 send error", "dst", src, "error", err)
		}
	}
}

func (s *Server) handle(data []byte, src net.IP) []byte {
	msgType := data[0]
	var xid [3]byte
	copy(xid[:], data[1:4])
	options := data[4:]

	clientDUID, ok := extractOption(options, OptClientID)
	if !ok {
		s.log.Debug("dhcpv6: no client DUID", "msg_type", msgType)
		return nil
	}

	linkLocalMAC, _ := extractMACFromLinkLocal(src)
	mac := effectiveMAC(linkLocalMAC, clientDUID)
	prefix := s.prefix()

	var reply []byte
	switch msgType {
	case MsgSolicit:
		reply = s.handleSolicitOrRequest(MsgAdvertise, clientDUID, options, mac, prefix)
	case MsgRequest, MsgRenew, MsgRebind:
		reply = s.handleSolicitOrRequest(MsgReply, clientDUID, options, mac, prefix)
	case MsgRelease:
		reply = s.handleRelease(clientDUID)
	case MsgConfirm:
		reply = s.handleConfirm(clientDUID, prefix)
	case MsgInformationRequest:
		reply = buildResponse(responseParams{msgType: MsgReply, clientDUID: clientDUID, serverDUID: s.cfg.ServerDUID, dns: s.dnsOctets()})
	default:
		s.log.Debug("dhcpv6: ignoring message type", "msg_type", msgType)
		return nil
	}
	if reply != nil {
		patchXID(reply, xid)
	}
	return reply
}

func (s *Server) handleSolicitOrRequest(replyType byte, clientDUID, options []byte, mac string, prefix *pdclient.PrefixInfo) []byte {
	if prefix == nil {
		return nil
	}
	iaData, ok := extractOption(options, OptIANA)
	if !ok {
		return nil
	}
	ia, ok := parseIANA(iaData)
	if !ok {
		return nil
	}

	lease, ok, err := s.leases.Allocate(s.clock.Now(), clientDUID, ia.IAID, mac, prefixFromPD(*prefix), s.cfg.RangeStart, s.cfg.RangeEnd, s.cfg.ValidLifetime)
	if err != nil {
		s.log.Warn("dhcpv6 allocate failed", "error", err)
		return nil
	}
	if !ok {
		s.log.Warn("dhcpv6 address range exhausted", "duid", duidKey(clientDUID))
		return buildResponse(responseParams{
			msgType: replyType, clientDUID: clientDUID, serverDUID: s.cfg.ServerDUID,
			status: &statusOption{Code: StatusNoAddrsAvail, Message: "no addresses available"},
		})
	}

	now := s.clock.Now()
	validSecs := uint32(lease.ValidUntil.Sub(now).Seconds())
	preferredSecs := uint32(lease.PreferredUntil.Sub(now).Seconds())

	return buildResponse(responseParams{
		msgType: replyType, clientDUID: clientDUID, serverDUID: s.cfg.ServerDUID,
		lease: &lease, validSecs: validSecs, preferredSecs: preferredSecs, dns: s.dnsOctets(),
	})
}

func (s *Server) handleRelease(clientDUID []byte) []byte {
	if ok, err := s.leases.Release(clientDUID); err != nil {
		s.log.Warn("dhcpv6 release failed", "error", err)
	} else if ok {
		s.log.Info("dhcpv6 release", "duid", duidKey(clientDUID))
	}
	return buildResponse(responseParams{
		msgType: MsgReply, clientDUID: clientDUID, serverDUID: s.cfg.ServerDUID,
		status: &statusOption{Code: StatusSuccess, Message: "Release confirmed"},
	})
}

func (s *Server) handleConfirm(clientDUID []byte, prefix *pdclient.PrefixInfo) []byte {
	lease, ok, err := s.leases.FindByDUID(clientDUID)
	if err == nil && ok && prefix != nil {
		leasePrefix := lease.Address.To16()
		currentPrefix := prefix.Prefix.To16()
		if leasePrefix != nil && currentPrefix != nil {
			sameNetwork := true
			for i := 0; i < 8; i++ {
				if leasePrefix[i] != currentPrefix[i] {
					sameNetwork = false
					break
				}
			}
			if sameNetwork {
				return buildResponse(responseParams{
					msgType: MsgReply, clientDUID: clientDUID, serverDUID: s.cfg.ServerDUID,
					status: &statusOption{Code: StatusSuccess, Message: "Address confirmed"},
				})
			}
		}
	}
	return buildResponse(responseParams{
		msgType: MsgReply, clientDUID: clientDUID, serverDUID: s.cfg.ServerDUID,
		status: &statusOption{Code: StatusNoBinding, Message: "Address not on link"},
	})
}

func (s *Server) dnsOctets() [][16]byte {
	out := make([][16]byte, 0, len(s.cfg.RecursiveDNS))
	for _, ip := range s.cfg.RecursiveDNS {
		v6 := ip.To16()
		if v6 == nil {
			continue
		}
		var b [16]byte
		copy(b[:], v6)
		out = append(out, b)
	}
	return out
}

// RunPurgeLoop drops expired leases once per cfg.PurgeInterval until
// stop is closed.
func (s *Server) RunPurgeLoop(stop <-chan struct{}) {
	interval := s.cfg.PurgeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			n, err := s.leases.PurgeExpired(s.clock.Now())
			if err != nil {
				s.log.Warn("dhcpv6 lease purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("purged expired dhcpv6 leases", "count", n)
			}
		}
	}
}
