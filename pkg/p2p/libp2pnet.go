package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
)

const topicEvents = "hypersettle/events/1.0.0"

// EventGossip shares committed settlement events with other nodes over
// gossipsub. It is a settlement.EventSink; events received from peers are
// handed to the OnEvent handler and never re-published.
type EventGossip struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	cancel context.CancelFunc

	muH     sync.RWMutex
	onEvent func(origin string, ev settlement.Event)
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewEventGossip(ctx context.Context, cfg Libp2pConfig) (*EventGossip, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	g := &EventGossip{h: h, ps: ps, log: log, cancel: cancel}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(topicEvents); err != nil {
		g.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		g.Close()
		return nil, err
	}

	go g.handleEvents(ctx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *EventGossip) Host() host.Host { return g.h }

// Addrs returns the full /p2p/ multiaddrs other nodes can bootstrap from.
func (g *EventGossip) Addrs() []string {
	info := peer.AddrInfo{ID: g.h.ID(), Addrs: g.h.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(maddrs))
	for i, m := range maddrs {
		out[i] = m.String()
	}
	return out
}

// Connect dials a peer by its /p2p/ multiaddr.
func (g *EventGossip) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, g.h, addr)
}

// SetHandler installs the callback for events committed by other nodes.
// origin is the pubsub-signed peer ID of the authoring node.
func (g *EventGossip) SetHandler(fn func(origin string, ev settlement.Event)) {
	g.muH.Lock()
	g.onEvent = fn
	g.muH.Unlock()
}

// Publish implements settlement.EventSink.
func (g *EventGossip) Publish(ev settlement.Event) {
	data, err := gobEncode(EventWire{Origin: g.h.ID().String(), Event: ev})
	if err != nil {
		g.log.Warnw("gossip_encode_failed", "type", ev.EventType(), "err", err)
		return
	}
	if err := g.topic.Publish(context.Background(), data); err != nil {
		g.log.Warnw("gossip_publish_failed", "type", ev.EventType(), "err", err)
	}
}

// inbound

func (g *EventGossip) handleEvents(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		w, err := decodeInbound(msg.GetFrom(), msg.Data)
		if err != nil {
			g.log.Debugw("gossip_message_dropped", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		g.muH.RLock()
		fn := g.onEvent
		g.muH.RUnlock()
		if fn != nil {
			fn(w.Origin, w.Event)
		}
	}
}

// decodeInbound decodes a gossiped event and rejects it unless the claimed
// origin is the peer that signed the pubsub message.
func decodeInbound(author peer.ID, data []byte) (EventWire, error) {
	var w EventWire
	if err := gobDecode(data, &w); err != nil {
		return EventWire{}, err
	}
	if w.Event == nil {
		return EventWire{}, errors.New("missing event")
	}
	if w.Origin != author.String() {
		return EventWire{}, fmt.Errorf("origin %q does not match author %s", w.Origin, author)
	}
	return w, nil
}

func (g *EventGossip) Close() error {
	if g.sub != nil {
		g.sub.Cancel()
	}
	if g.topic != nil {
		g.topic.Close()
	}
	g.cancel()
	return g.h.Close()
}

var _ settlement.EventSink = (*EventGossip)(nil)
