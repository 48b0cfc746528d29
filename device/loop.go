// loop.go
//
// Event-driven architecture for coordinating handshake operations.
// Uses separate goroutines for UDP reading and timer management,
// all communicating through buffered channels to a central event loop.
//
// Flow control: All channel sends use non-blocking select statements to prevent
// deadlocks. When buffers are full, packets/events are dropped with logging.
// The depth of the handshake queue doubles as the load signal that makes the
// device answer initiations with cookie replies.

package device

import (
	"errors"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/drio/wghandshake/handshake"
)

const (
	TimerEventRotateCookies = "rotate-cookies"
	TimerEventExpirePending = "expire-pending"
)

const (
	WireGuardMaxPacket = 2048
	HandshakeQueueSize = 128
	EventBuffer        = 10
	SessionBuffer      = 16
)

type HandshakeEvent struct {
	Type handshake.MessageType
	Data []byte
	Addr netip.AddrPort
}

type TimerEvent struct {
	Type string
}

// udpReader reads packets from the UDP socket and queues handshake messages
func (d *Device) udpReader() {
	d.logger.Debug("UDP reader started")

	for {
		packet := make([]byte, WireGuardMaxPacket)
		n, addr, err := d.udp.ReadFromUDPAddrPort(packet)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.WithError(err).Warn("UDP read error")
			continue
		}

		data := packet[:n]
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		msgType, ok := handshake.PeekType(data)

		log := d.logger.WithFields(logrus.Fields{
			"from": addr.String(),
			"size": n,
		})
		switch msgType {
		case handshake.MessageInitiationType, handshake.MessageResponseType, handshake.MessageCookieReplyType:
		default:
			ok = false
		}
		if !ok {
			d.metrics.Dropped("not_handshake")
			log.Debug("Dropping non-handshake packet")
			continue
		}
		log.WithField("type", msgType.String()).Debug("UDP packet received")

		// Non-blocking send - drop handshake if main loop is overwhelmed
		select {
		case d.handshakeEvents <- HandshakeEvent{Type: msgType, Data: data, Addr: addr}:
			d.metrics.QueueDepth(len(d.handshakeEvents))
		default:
			d.metrics.Dropped("queue_full")
			log.WithField("type", msgType.String()).Warn("Handshake message dropped - queue full")
		}
	}
}

// Run starts the main event loop and blocks until Close is called
func (d *Device) Run() {
	d.running.Store(true)
	defer close(d.stopped)
	defer d.wipe()

	d.logger.Info("Starting handshake device main event loop")

	timerEvents := make(chan TimerEvent, EventBuffer)

	go d.udpReader()
	go d.timerManager(timerEvents)

	for {
		select {
		case <-d.done:
			d.logger.Info("Handshake device main event loop shutting down")
			return
		default:
		}

		select {
		case ev := <-d.handshakeEvents:
			d.metrics.QueueDepth(len(d.handshakeEvents))
			d.handleHandshakeEvent(ev)

		case timer := <-timerEvents:
			d.handleTimerEvent(timer)

		case <-d.done:
			d.logger.Info("Handshake device main event loop shutting down")
			return
		}
	}
}

// handleHandshakeEvent parses a queued message and dispatches it by type
func (d *Device) handleHandshakeEvent(event HandshakeEvent) {
	msg, err := handshake.Parse(event.Data)
	if err != nil {
		d.metrics.Dropped("malformed")
		d.logger.WithError(err).WithField("from", event.Addr.String()).Debug("Dropping malformed handshake message")
		return
	}

	switch m := msg.(type) {
	case *handshake.Initiation:
		d.handleInitiation(m, event.Addr)
	case *handshake.Response:
		d.handleResponse(m, event.Addr)
	case *handshake.CookieReply:
		d.handleCookieReply(m, event.Addr)
	}
}

// handleInitiation answers a peer's initiation. We are the RESPONDER.
func (d *Device) handleInitiation(msg *handshake.Initiation, from netip.AddrPort) {
	log := d.logger.WithFields(logrus.Fields{
		"from":   from.String(),
		"sender": msg.Sender,
	})

	index, err := d.newIndex()
	if err != nil {
		d.metrics.Initiation(dirReceived, handshake.ErrRandomnessUnavailable)
		log.WithError(err).Error("Failed to allocate session index")
		return
	}

	res, err := d.engine.HandleInitiation(msg, from, index)
	if err != nil {
		d.metrics.Initiation(dirReceived, err)
		log.WithError(err).Info("Handshake initiation rejected")
		return
	}

	if res.LoadShed {
		d.metrics.Initiation(dirReceived, handshake.ErrLoadShedRequired)
		raw := res.Reply.Marshal()
		_, err := d.udp.WriteToUDPAddrPort(raw, from)
		d.metrics.CookieReply(dirSent, err)
		if err != nil {
			log.WithError(err).Warn("Failed to send cookie reply")
			return
		}
		log.Infof("Under load - sent cookie reply (%d bytes)", len(raw))
		return
	}
	d.metrics.Initiation(dirReceived, nil)

	raw := res.Reply.Marshal()
	if _, err := d.udp.WriteToUDPAddrPort(raw, from); err != nil {
		d.metrics.Response(dirSent, err)
		res.Keys.Zero()
		log.WithError(err).Warn("Failed to send handshake response")
		return
	}
	d.metrics.Response(dirSent, nil)
	log.Infof("Sent handshake response (%d bytes)", len(raw))

	d.setEndpoint(res.Peer.PublicKey(), from)
	d.deliver(Session{Keys: res.Keys, Endpoint: from})
}

// handleResponse completes one of our initiations. We are the INITIATOR.
func (d *Device) handleResponse(msg *handshake.Response, from netip.AddrPort) {
	log := d.logger.WithFields(logrus.Fields{
		"from":     from.String(),
		"receiver": msg.Receiver,
	})

	p := d.take(msg.Receiver)
	if p == nil || p.hs == nil {
		d.metrics.Response(dirReceived, handshake.ErrInvalidState)
		log.Debug("Received handshake response for unknown index - ignoring")
		return
	}

	keys, err := d.engine.ConsumeMessageResponse(msg, p.hs)
	if err != nil {
		d.metrics.Response(dirReceived, err)
		p.hs.Zero()
		log.WithError(err).Info("Handshake response rejected")
		return
	}
	d.metrics.Response(dirReceived, nil)

	d.setEndpoint(p.peer.PublicKey(), from)
	d.deliver(Session{Keys: keys, Endpoint: from})
}

// handleCookieReply stores a cookie and retries the initiation once with it
func (d *Device) handleCookieReply(msg *handshake.CookieReply, from netip.AddrPort) {
	log := d.logger.WithFields(logrus.Fields{
		"from":     from.String(),
		"receiver": msg.Receiver,
	})

	d.mutex.RLock()
	p := d.pending[msg.Receiver]
	var hs *handshake.Handshake
	if p != nil {
		hs = p.hs
	}
	d.mutex.RUnlock()
	if hs == nil {
		d.metrics.CookieReply(dirReceived, handshake.ErrInvalidState)
		log.Debug("Received cookie reply for unknown index - ignoring")
		return
	}

	if err := d.engine.ConsumeMessageCookieReply(msg, hs); err != nil {
		d.metrics.CookieReply(dirReceived, err)
		log.WithError(err).Info("Cookie reply rejected")
		return
	}
	d.metrics.CookieReply(dirReceived, nil)

	d.abandon(msg.Receiver)
	if p.retried {
		log.Warn("Peer still under load after cookie retry - giving up")
		return
	}

	log.Info("Cookie received - retrying initiation")
	if err := d.initiate(p.peer, p.endpoint, true); err != nil {
		log.WithError(err).Warn("Failed to retry initiation")
	}
}
