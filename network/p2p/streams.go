package p2p

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/contentmesh-labs/go-contentmesh/internal/telemetry"
	"github.com/contentmesh-labs/go-contentmesh/network/exchange"
)

// ErrReplyConsumed is returned by InboundRequest.Reply after the first call.
var ErrReplyConsumed = errors.New("p2p: reply already sent")

// SendRequest sends req to p over a fresh exchange stream and returns a
// request id immediately. The response arrives later as a ResponseReceived
// event carrying the same id, or as an OutboundFailure if the exchange
// breaks down. The caller never blocks on the peer.
func (m *Manager) SendRequest(p peer.ID, req exchange.Request) (RequestID, error) {
	payload, err := exchange.EncodeRequest(req)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	telemetry.RequestsSent.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		fail := func(err error) {
			telemetry.OutboundFailures.Inc()
			m.emit(OutboundFailure{RequestID: id, Peer: p, Err: err})
		}

		stream, err := m.Host.NewStream(m.ctx, p, ProtocolExchange)
		if err != nil {
			fail(err)
			return
		}
		defer stream.Close()

		if err := exchange.WriteFrame(stream, payload); err != nil {
			stream.Reset()
			fail(err)
			return
		}
		if err := stream.CloseWrite(); err != nil {
			stream.Reset()
			fail(err)
			return
		}

		raw, err := exchange.ReadFrame(stream, exchange.MaxResponseSize)
		if err != nil {
			countFrameError(err)
			stream.Reset()
			fail(err)
			return
		}
		if raw == nil {
			fail(errors.New("p2p: peer closed stream without a response"))
			return
		}

		resp, err := exchange.DecodeResponse(raw)
		if err != nil {
			// Malformed response: the local operation fails, nothing is
			// sent back on a stream we initiated.
			fail(err)
			return
		}

		telemetry.ResponsesReceived.Inc()
		m.emit(ResponseReceived{RequestID: id, From: p, Request: req, Response: resp})
	}()

	return id, nil
}

// handleExchangeStream serves one inbound request/response exchange.
func (m *Manager) handleExchangeStream(s network.Stream) {
	from := s.Conn().RemotePeer()

	raw, err := exchange.ReadFrame(s, exchange.MaxRequestSize)
	if err != nil {
		countFrameError(err)
		log.Warnw("failed to read inbound request frame", "peer", from, "err", err)
		s.Reset()
		return
	}
	if raw == nil {
		// Peer opened the stream and closed it without sending anything.
		s.Close()
		return
	}

	req, err := exchange.DecodeRequest(raw)
	if err != nil {
		// Malformed request: tell the peer explicitly, mirroring how our
		// own malformed responses surface on the other side.
		log.Warnw("malformed inbound request", "peer", from, "err", err)
		m.writeResponse(s, exchange.ErrorResponse("malformed request: "+err.Error()))
		s.Close()
		return
	}

	telemetry.RequestsReceived.Inc()

	var once sync.Once
	reply := func(resp exchange.Response) error {
		err := ErrReplyConsumed
		once.Do(func() {
			defer s.Close()
			err = m.writeResponse(s, resp)
		})
		return err
	}

	m.emit(InboundRequest{From: from, Request: req, Reply: reply})
}

func (m *Manager) writeResponse(s network.Stream, resp exchange.Response) error {
	raw, err := exchange.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return exchange.WriteFrame(s, raw)
}

func countFrameError(err error) {
	var sizeErr *exchange.FrameSizeError
	switch {
	case errors.As(err, &sizeErr):
		telemetry.FrameErrors.WithLabelValues(telemetry.FrameErrorSize).Inc()
	case errors.Is(err, exchange.ErrMalformedVarint):
		telemetry.FrameErrors.WithLabelValues(telemetry.FrameErrorMalformed).Inc()
	case errors.Is(err, io.ErrUnexpectedEOF):
		telemetry.FrameErrors.WithLabelValues(telemetry.FrameErrorEOF).Inc()
	}
}
