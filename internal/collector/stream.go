package collector

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/security"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
)

// StreamOptions parameterise the fills stream.
type StreamOptions struct {
	WSURL string
	Users []string
	// TokenPriceUSD values fills whose message carries no price.
	TokenPriceUSD float64
	Buffer        int
}

// FillStream holds a websocket subscription to user fills and surfaces
// liquidation closures as they happen. REST polling stays the source of
// record; the stream only tightens latency between cycles.
type FillStream struct {
	opts   StreamOptions
	logger zerolog.Logger
	events chan security.LiquidationEvent
}

// NewFillStream constructs a stream for the given users.
func NewFillStream(opts StreamOptions, logger zerolog.Logger) *FillStream {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &FillStream{
		opts:   opts,
		logger: logging.Component(logger, "fill_stream"),
		events: make(chan security.LiquidationEvent, buffer),
	}
}

// Enabled reports whether the stream has anything to subscribe to.
func (s *FillStream) Enabled() bool {
	return s.opts.WSURL != "" && len(s.opts.Users) > 0
}

// Events exposes liquidations read off the socket. Writes drop when the
// buffer is full.
func (s *FillStream) Events() <-chan security.LiquidationEvent { return s.events }

// Drain empties the buffer without blocking.
func (s *FillStream) Drain() []security.LiquidationEvent {
	var out []security.LiquidationEvent
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Run keeps the subscription alive until ctx is cancelled, reconnecting with
// exponential backoff. Always returns nil after a cancelled context.
func (s *FillStream) Run(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Debug().Msg("fill stream disabled")
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("fill stream disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *FillStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.opts.WSURL, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	for _, user := range s.opts.Users {
		sub := wsRequest{
			Method:       "subscribe",
			Subscription: &wsSubscription{Type: "userFills", User: user},
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}
	s.logger.Info().Int("users", len(s.opts.Users)).Msg("fill stream subscribed")

	// The keeper closes the connection on cancellation, which unblocks
	// ReadMessage, and sends periodic pings in between.
	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *FillStream) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsRequest{Method: "ping"}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *FillStream) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("unparseable stream message")
		return
	}
	if msg.Channel != "userFills" {
		return
	}
	// Snapshots replay history the REST poll already covers.
	if msg.Data.IsSnapshot {
		return
	}

	for _, fill := range msg.Data.Fills {
		ev, ok := s.liquidationFromStream(msg.Data.User, fill)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
			s.logger.Debug().Str("id", ev.ID).Str("asset", ev.Asset).Float64("amount_usd", ev.AmountUSD).Msg("live liquidation")
		default:
			s.logger.Warn().Str("id", ev.ID).Msg("fill buffer full, dropping")
		}
	}
}

func (s *FillStream) liquidationFromStream(user string, fill userFill) (security.LiquidationEvent, bool) {
	if !fill.Liquidation && !strings.Contains(fill.Dir, "Liquidat") {
		return security.LiquidationEvent{}, false
	}

	px := parseFloat(fill.Px)
	size := math.Abs(parseFloat(fill.Sz))
	amount := px * size
	if px <= 0 {
		amount = size * s.opts.TokenPriceUSD
	}

	side := "SHORT"
	if strings.Contains(fill.Dir, "Long") {
		side = "LONG"
	}

	// Same identity as the REST inference, so a fill surfacing on both
	// paths collapses to one event downstream.
	id := fmt.Sprintf("liq-%d", fill.Oid)
	if fill.Oid == 0 && fill.Hash != "" {
		id = "liq-" + fill.Hash
	}

	return security.LiquidationEvent{
		ID:               id,
		User:             user,
		Asset:            fill.Coin,
		Side:             side,
		Size:             size,
		LiquidationPrice: px,
		AmountUSD:        amount,
		Timestamp:        time.UnixMilli(fill.Time).UTC(),
	}, true
}

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsSubscription struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

type wsMessage struct {
	Channel string      `json:"channel"`
	Data    wsFillsData `json:"data"`
}

type wsFillsData struct {
	IsSnapshot bool       `json:"isSnapshot"`
	User       string     `json:"user"`
	Fills      []userFill `json:"fills"`
}
