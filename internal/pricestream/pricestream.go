// Package pricestream maintains a single long-lived WebSocket connection
// to a push-based pricing service, decodes ticks, and fans resolved
// prices out to subscribers (the pricemath.Resolver's stream cache and
// the predictive loop). Grounded on gorilla/websocket, the only
// WebSocket client present anywhere in the retrieved corpus.
package pricestream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Tick is a single decoded price update, already normalized to 1e18.
type Tick struct {
	FeedID      string
	Price       *uint256.Int
	PublishedMs int64
}

// wireTick is the raw shape read off the socket: a {type, price_feed}
// envelope, where price_feed nests a {price, conf, expo} price object.
type wireTick struct {
	Type      string `json:"type"`
	PriceFeed struct {
		ID    string `json:"id"`
		Price struct {
			Price string `json:"price"`
			Conf  string `json:"conf"`
			Expo  int    `json:"expo"`
		} `json:"price"`
		PublishTime int64 `json:"publish_time"`
	} `json:"price_feed"`
}

// Subscriber receives every decoded, non-stale tick. Called synchronously
// from the stream's single read loop; implementations must not block.
type Subscriber func(Tick)

// Stream is a single WebSocket subscriber to a configured set of feed
// identifiers, reconnecting with capped exponential backoff on failure.
type Stream struct {
	url        string
	feedIDs    []string
	staleSecs  int64
	maxRetries int
	log        zerolog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	dialer *websocket.Dialer
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxRetries bounds the number of consecutive reconnect attempts
// before the stream gives up and Run returns an error. Zero means
// unbounded.
func WithMaxRetries(n int) Option {
	return func(s *Stream) { s.maxRetries = n }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Stream) { s.log = l }
}

// New builds a Stream for url, subscribing to feedIDs on connect and
// rejecting any tick older than staleSecs.
func New(url string, feedIDs []string, staleSecs int, opts ...Option) *Stream {
	s := &Stream{
		url:       url,
		feedIDs:   feedIDs,
		staleSecs: int64(staleSecs),
		dialer:    websocket.DefaultDialer,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a callback invoked for every accepted tick.
func (s *Stream) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// Run connects and reads ticks until ctx is cancelled, reconnecting with
// exponential backoff (capped at 60s) on any read or dial error. Returns
// nil on clean cancellation, or an error once maxRetries consecutive
// reconnect attempts have failed.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			attempt++
			if s.maxRetries > 0 && attempt >= s.maxRetries {
				return fmt.Errorf("pricestream: giving up after %d attempts: %w", attempt, err)
			}
			if !s.sleepBackoff(ctx, attempt) {
				return nil
			}
			continue
		}

		if err := s.subscribeAll(conn); err != nil {
			s.log.Error().Err(err).Msg("pricestream: subscribe failed")
			conn.Close()
			attempt++
			if s.maxRetries > 0 && attempt >= s.maxRetries {
				return fmt.Errorf("pricestream: giving up after %d attempts: %w", attempt, err)
			}
			if !s.sleepBackoff(ctx, attempt) {
				return nil
			}
			continue
		}

		attempt = 0
		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Err(err).Msg("pricestream: connection lost, reconnecting")
		attempt++
		if s.maxRetries > 0 && attempt >= s.maxRetries {
			return fmt.Errorf("pricestream: giving up after %d attempts: %w", attempt, err)
		}
		if !s.sleepBackoff(ctx, attempt) {
			return nil
		}
	}
}

func (s *Stream) subscribeAll(conn *websocket.Conn) error {
	if len(s.feedIDs) == 0 {
		return nil
	}
	msg := map[string]interface{}{
		"type": "subscribe",
		"ids":  s.feedIDs,
	}
	return conn.WriteJSON(msg)
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var wt wireTick
		if err := json.Unmarshal(raw, &wt); err != nil {
			s.log.Warn().Err(err).Msg("pricestream: malformed tick, ignoring")
			continue
		}
		if wt.Type != "price_update" {
			continue
		}
		tick, ok := s.decode(wt)
		if !ok {
			continue
		}
		s.fanOut(tick)
	}
}

// decode converts a wire tick to 1e18 scale and rejects stale samples.
// nowMs is overridden in tests; production uses wall-clock time.
var nowMs = func() int64 { return time.Now().UnixMilli() }

func (s *Stream) decode(wt wireTick) (Tick, bool) {
	feedID := wt.PriceFeed.ID
	price, ok := new(uint256.Int).SetString(wt.PriceFeed.Price.Price, 10)
	if !ok {
		s.log.Warn().Str("feed", feedID).Msg("pricestream: unparseable price, ignoring")
		return Tick{}, false
	}
	scaled := scaleByExpo(price, wt.PriceFeed.Price.Expo)

	now := nowMs()
	publishedMs := wt.PriceFeed.PublishTime * 1000
	if s.staleSecs > 0 && (now-publishedMs) > s.staleSecs*1000 {
		s.log.Debug().Str("feed", feedID).Msg("pricestream: stale tick, ignoring")
		return Tick{}, false
	}

	return Tick{FeedID: feedID, Price: scaled, PublishedMs: publishedMs}, true
}

// scaleByExpo rescales price (given as an integer with decimal exponent
// expo, e.g. Pyth's convention) to a fixed 1e18 scale.
func scaleByExpo(price *uint256.Int, expo int) *uint256.Int {
	// price * 10^18 * 10^expo == price * 10^(18+expo)
	target := 18 + expo
	out := new(uint256.Int).Set(price)
	switch {
	case target > 0:
		out.Mul(out, pow10(target))
	case target < 0:
		out.Div(out, pow10(-target))
	}
	return out
}

func pow10(n int) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 0; i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

func (s *Stream) fanOut(t Tick) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		sub(t)
	}
}

// sleepBackoff sleeps for min(2^attempt seconds, 60s), returning false if
// ctx is cancelled first.
func (s *Stream) sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := time.Duration(math.Min(math.Pow(2, float64(attempt)), 60)) * time.Second
	select {
	case <-time.After(backoff):
		return true
	case <-ctx.Done():
		return false
	}
}
