package pdclient

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

// PrefixInfo is published on the watch channel whenever the delegated
// subnet changes, consumed by the RA sender and the reconciler. A nil
// value means the prefix was withdrawn.
type PrefixInfo struct {
	Prefix            net.IP
	PrefixLen         uint8
	ValidLifetime     uint32
	PreferredLifetime uint32
}

// Transport abstracts the DHCPv6 UDP exchange so the FSM can be driven
// deterministically in tests. SendReceive sends msg to the server and
// returns the first reply whose type is one of wantTypes and whose XID
// matches. Client makes one SendReceive per attempt (1 s timeout); on
// error it waits a fixed 5 s (2 s after a malformed Advertise or Request
// reply), or goes
// straight from Renewing to Rebinding, and starts a new exchange with a
// fresh XID. No exponential backoff and no attempt limit is applied.
type Transport interface {
	SendReceive(ctx context.Context, msg []byte, xid XID, wantTypes []byte, timeout time.Duration) ([]byte, error)
}

// Config configures one running client instance.
type Config struct {
	WANInterface string
	Enabled      bool
	SubnetID     uint16
	HintLen      uint8
}

// Client drives the DHCPv6-PD FSM (Init → Soliciting → Requesting →
// Bound → Renewing → Rebinding).
type Client struct {
	cfg        Config
	transport  Transport
	states     *StateStore
	clock      clockwork.Clock
	log        *slog.Logger
	clientDUID []byte
	iaid       uint32
	prefixCh   chan *PrefixInfo
}

// New constructs a Client. Call Run to drive the FSM; it publishes
// prefix changes on the channel returned by Prefixes.
func New(cfg Config, transport Transport, states *StateStore, clock clockwork.Clock, log *slog.Logger) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		transport:  transport,
		states:     states,
		clock:      clock,
		log:        log,
		clientDUID: GenerateClientDUID(cfg.WANInterface),
		iaid:       1,
		prefixCh:   make(chan *PrefixInfo, 1),
	}
}

// Prefixes returns the channel prefix updates are published on.
func (c *Client) Prefixes() <-chan *PrefixInfo { return c.prefixCh }

func (c *Client) publish(p *PrefixInfo) {
	select {
	case <-c.prefixCh:
	default:
	}
	c.prefixCh <- p
}

type fsmState int

const (
	stateInit fsmState = iota
	stateSoliciting
	stateRequesting
	stateBound
	stateRenewing
	stateRebinding
)

// Run drives the FSM until ctx is canceled. When PD is disabled it
// blocks until ctx is done so the caller's goroutine accounting stays
// uniform.
func (c *Client) Run(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("dhcpv6-pd client disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	state := stateInit
	var serverDUID, iaPDData []byte
	var bound State

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch state {
		case stateInit:
			saved, err := c.states.Load()
			if err == nil && saved.IsValid(c.clock.Now()) {
				c.log.Info("loaded persisted PD state", "prefix", saved.DelegatedPrefix, "remaining", saved.RemainingValid(c.clock.Now()))
				if ip, length, ok := saved.SubnetPrefix(); ok {
					c.publish(&PrefixInfo{Prefix: ip, PrefixLen: length, ValidLifetime: saved.ValidLifetime, PreferredLifetime: saved.PreferredLifetime})
				}
				bound = saved
				state = stateRenewing
				continue
			}
			state = stateSoliciting

		case stateSoliciting:
			xid := c.randomXID()
			solicit := BuildSolicit(xid, c.clientDUID, c.iaid, c.cfg.HintLen)
			advertise, err := c.transport.SendReceive(ctx, solicit, xid, []byte{MsgAdvertise}, time.Second)
			if err != nil {
				c.log.Warn("solicit failed", "error", err)
				if !c.sleep(ctx, 5*time.Second) {
					return ctx.Err()
				}
				continue
			}
			sd, ok := ExtractOption(advertise, OptServerID)
			if !ok {
				c.log.Warn("advertise missing server DUID, retrying")
				c.sleep(ctx, 2*time.Second)
				continue
			}
			ia, ok := ExtractOption(advertise, OptIAPD)
			if !ok {
				c.log.Warn("advertise missing IA_PD, retrying")
				c.sleep(ctx, 2*time.Second)
				continue
			}
			serverDUID, iaPDData = sd, ia
			state = stateRequesting

		case stateRequesting:
			xid := c.randomXID()
			request := BuildRequest(xid, c.clientDUID, serverDUID, iaPDData)
			reply, err := c.transport.SendReceive(ctx, request, xid, []byte{MsgReply}, time.Second)
			if err != nil {
				c.log.Warn("request failed, restarting solicit", "error", err)
				c.sleep(ctx, 5*time.Second)
				state = stateSoliciting
				continue
			}
			newState, err := c.processReply(reply, serverDUID)
			if err != nil {
				c.log.Warn("failed to process reply, restarting solicit", "error", err)
				c.sleep(ctx, 2*time.Second)
				state = stateSoliciting
				continue
			}
			c.log.Info("dhcpv6-pd bound", "delegated", newState.DelegatedPrefix, "subnet", newState.SelectedSubnet)
			c.publishState(newState)
			if err := c.states.Save(newState); err != nil {
				c.log.Warn("failed to persist pd state", "error", err)
			}
			bound = newState
			state = stateBound

		case stateBound:
			t1 := bound.T1
			if t1 == 0 {
				t1 = bound.ValidLifetime / 2
			}
			elapsed := c.clock.Now().Unix() - bound.ObtainedAt
			wait := int64(t1) - elapsed
			if wait > 0 {
				c.log.Info("pd bound, will renew", "wait_seconds", wait, "t1", t1)
				if !c.sleep(ctx, time.Duration(wait)*time.Second) {
					return ctx.Err()
				}
			}
			state = stateRenewing

		case stateRenewing:
			xid := c.randomXID()
			renew := BuildRenew(xid, c.clientDUID, bound.ServerDUID, c.iaid, c.cfg.HintLen)
			reply, err := c.transport.SendReceive(ctx, renew, xid, []byte{MsgReply}, time.Second)
			if err != nil {
				c.log.Warn("renew failed, trying rebind", "error", err)
				state = stateRebinding
				continue
			}
			newState, err := c.processReply(reply, bound.ServerDUID)
			if err != nil {
				c.log.Warn("renew reply parse failed, trying rebind", "error", err)
				state = stateRebinding
				continue
			}
			c.log.Info("dhcpv6-pd renewed", "delegated", newState.DelegatedPrefix, "subnet", newState.SelectedSubnet)
			c.publishState(newState)
			if err := c.states.Save(newState); err != nil {
				c.log.Warn("failed to persist pd state", "error", err)
			}
			bound = newState
			state = stateBound

		case stateRebinding:
			if c.clock.Now().Unix()-bound.ObtainedAt >= int64(bound.ValidLifetime) {
				c.log.Warn("prefix expired, withdrawing and restarting solicit")
				c.publish(nil)
				state = stateSoliciting
				continue
			}
			xid := c.randomXID()
			rebind := BuildRebind(xid, c.clientDUID, c.iaid, c.cfg.HintLen)
			reply, err := c.transport.SendReceive(ctx, rebind, xid, []byte{MsgReply}, time.Second)
			if err != nil {
				c.log.Warn("rebind failed, retrying", "error", err)
				if !c.sleep(ctx, 5*time.Second) {
					return ctx.Err()
				}
				continue
			}
			newState, err := c.processReply(reply, nil)
			if err != nil {
				c.log.Warn("rebind reply parse failed, retrying", "error", err)
				if !c.sleep(ctx, 5*time.Second) {
					return ctx.Err()
				}
				continue
			}
			c.log.Info("dhcpv6-pd rebound", "delegated", newState.DelegatedPrefix, "subnet", newState.SelectedSubnet)
			c.publishState(newState)
			if err := c.states.Save(newState); err != nil {
				c.log.Warn("failed to persist pd state", "error", err)
			}
			bound = newState
			state = stateBound
		}
	}
}

func (c *Client) publishState(s State) {
	if ip, length, ok := s.SubnetPrefix(); ok {
		c.publish(&PrefixInfo{Prefix: ip, PrefixLen: length, ValidLifetime: s.ValidLifetime, PreferredLifetime: s.PreferredLifetime})
	}
}

func (c *Client) processReply(reply []byte, serverDUID []byte) (State, error) {
	if code, msg, ok := topLevelStatus(reply); ok && code != 0 {
		if msg == "" {
			msg = fmt.Sprintf("code %d", code)
		}
		return State{}, fmt.Errorf("dhcpv6 status error: %s", msg)
	}

	iaPDData, ok := ExtractOption(reply, OptIAPD)
	if !ok {
		return State{}, fmt.Errorf("reply missing IA_PD option")
	}
	iaPD, err := ParseIAPD(iaPDData)
	if err != nil {
		return State{}, err
	}
	if len(iaPD.Prefixes) == 0 {
		return State{}, fmt.Errorf("IA_PD contains no IA_PREFIX")
	}
	prefix := iaPD.Prefixes[0]
	if prefix.ValidLifetime == 0 {
		return State{}, fmt.Errorf("delegated prefix has valid_lifetime=0")
	}

	subnetAddr, subnetLen := SelectSubnet(prefix.Prefix, prefix.PrefixLen, c.cfg.SubnetID)

	return State{
		DelegatedPrefix:    formatPrefix(prefix.Prefix, prefix.PrefixLen),
		DelegatedPrefixLen: prefix.PrefixLen,
		SelectedSubnet:     formatPrefix(subnetAddr, subnetLen),
		ServerDUID:         serverDUID,
		ClientDUID:         c.clientDUID,
		IAID:               c.iaid,
		T1:                 iaPD.T1,
		T2:                 iaPD.T2,
		ValidLifetime:      prefix.ValidLifetime,
		PreferredLifetime:  prefix.PreferredLifetime,
		ObtainedAt:         c.clock.Now().Unix(),
	}, nil
}

func (c *Client) randomXID() XID {
	var xid XID
	for i := range xid {
		n, _ := rand.Int(rand.Reader, big.NewInt(256))
		xid[i] = byte(n.Int64())
	}
	return xid
}

// sleep waits for d or until ctx is done, reporting whether it slept
// the full duration (false means ctx was canceled first).
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
