package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

const (
	feedURL = "wss://smartapisocket.angelone.in/smart-stream"

	subscribeAction   = 1
	unsubscribeAction = 0

	// Binary packet field offsets per SmartAPI WebSocket Streaming 2.0.
	offsetMode        = 0
	offsetExchange    = 1
	offsetToken       = 2 // 25 bytes, null padded
	offsetSequence    = 27
	offsetExchangeTS  = 35
	offsetLTP         = 43 // int64 LE, paise
	offsetVolume      = 67 // quote and snap-quote packets only
	offsetBestFive    = 147
	ltpPacketSize     = 51
	quotePacketSize   = 123
	depthEntrySize    = 20
	depthEntryCount   = 10
)

// exchange type codes used on the wire.
var exchangeCodes = map[models.Exchange]int{
	models.NSE: 1,
	models.NFO: 2,
	models.BSE: 3,
	models.BFO: 4,
}

// AngelTicker implements the Ticker interface over the SmartAPI
// WebSocket 2.0 streaming endpoint.
type AngelTicker struct {
	jwtToken  string
	apiKey    string
	clientID  string
	feedToken string
	logger    zerolog.Logger

	// Handlers
	onTick       func(models.Tick)
	onError      func(error)
	onConnect    func()
	onReconnect  func()
	onDisconnect func()

	// State
	conn         *websocket.Conn
	connected    bool
	subscribed   map[string]TokenSub // keyed by token
	tokenSymbols map[string]string

	// Reconnection
	reconnecting  bool
	maxReconnects int
	baseDelay     time.Duration
	heartbeat     time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex // serializes websocket writes
}

// AngelTickerConfig holds configuration for the ticker.
type AngelTickerConfig struct {
	JWTToken      string
	APIKey        string
	ClientID      string
	FeedToken     string
	MaxReconnects int
	BaseDelay     time.Duration
	Heartbeat     time.Duration
	Logger        zerolog.Logger
}

// NewAngelTicker creates a new SmartAPI streaming ticker.
func NewAngelTicker(cfg AngelTickerConfig) *AngelTicker {
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 5
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}

	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = 25 * time.Second
	}

	return &AngelTicker{
		jwtToken:      cfg.JWTToken,
		apiKey:        cfg.APIKey,
		clientID:      cfg.ClientID,
		feedToken:     cfg.FeedToken,
		logger:        cfg.Logger,
		subscribed:    make(map[string]TokenSub),
		tokenSymbols:  make(map[string]string),
		maxReconnects: maxReconnects,
		baseDelay:     baseDelay,
		heartbeat:     heartbeat,
	}
}

// RegisterSymbol maps a feed token to a trading symbol so ticks carry
// both identifiers.
func (t *AngelTicker) RegisterSymbol(token, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokenSymbols[token] = symbol
}

// Connect dials the streaming endpoint and starts the read and
// heartbeat loops.
func (t *AngelTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.jwtToken)
	header.Set("x-api-key", t.apiKey)
	header.Set("x-client-code", t.clientID)
	header.Set("x-feed-token", t.feedToken)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, feedURL, header)
	if err != nil {
		return apperrors.NewFeedError("connect", 0, false, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	wasReconnect := t.reconnecting
	t.reconnecting = false
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
	go t.heartbeatLoop(ctx, conn)

	if wasReconnect {
		t.resubscribe()
		// Prices may have moved while disconnected. Tell the owner to
		// refresh snapshots before trusting the stream again.
		if t.onReconnect != nil {
			go t.onReconnect()
		}
		return nil
	}

	if t.onConnect != nil {
		go t.onConnect()
	}
	return nil
}

// Disconnect closes the connection without triggering reconnection.
func (t *AngelTicker) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	t.reconnecting = false
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// Subscribe subscribes to the given instruments.
func (t *AngelTicker) Subscribe(tokens []TokenSub) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.ErrFeedUnavailable
	}
	for _, sub := range tokens {
		t.subscribed[sub.Token] = sub
	}
	t.mu.Unlock()

	return t.sendSubscription(subscribeAction, tokens)
}

// Unsubscribe drops subscriptions for the given instruments.
func (t *AngelTicker) Unsubscribe(tokens []TokenSub) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.ErrFeedUnavailable
	}
	for _, sub := range tokens {
		delete(t.subscribed, sub.Token)
	}
	t.mu.Unlock()

	return t.sendSubscription(unsubscribeAction, tokens)
}

type subscriptionRequest struct {
	CorrelationID string             `json:"correlationID"`
	Action        int                `json:"action"`
	Params        subscriptionParams `json:"params"`
}

type subscriptionParams struct {
	Mode      int         `json:"mode"`
	TokenList []tokenList `json:"tokenList"`
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

func (t *AngelTicker) sendSubscription(action int, tokens []TokenSub) error {
	// Group by (exchange, mode); SmartAPI carries one mode per request.
	byMode := make(map[TickMode]map[int][]string)
	for _, sub := range tokens {
		code, ok := exchangeCodes[sub.Exchange]
		if !ok {
			continue
		}
		if byMode[sub.Mode] == nil {
			byMode[sub.Mode] = make(map[int][]string)
		}
		byMode[sub.Mode][code] = append(byMode[sub.Mode][code], sub.Token)
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return apperrors.ErrFeedUnavailable
	}

	for mode, byExchange := range byMode {
		lists := make([]tokenList, 0, len(byExchange))
		for code, toks := range byExchange {
			lists = append(lists, tokenList{ExchangeType: code, Tokens: toks})
		}
		req := subscriptionRequest{
			CorrelationID: "angel-quant",
			Action:        action,
			Params:        subscriptionParams{Mode: int(mode), TokenList: lists},
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}

		t.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, payload)
		t.writeMu.Unlock()
		if err != nil {
			return apperrors.NewFeedError("subscribe", 0, false, err)
		}
	}
	return nil
}

// OnTick sets the tick handler.
func (t *AngelTicker) OnTick(handler func(models.Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnError sets the error handler.
func (t *AngelTicker) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// OnConnect sets the first-connection handler.
func (t *AngelTicker) OnConnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = handler
}

// OnReconnect sets the handler invoked after a successful reconnect,
// once subscriptions are restored.
func (t *AngelTicker) OnReconnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnect = handler
}

// OnDisconnect sets the disconnect handler.
func (t *AngelTicker) OnDisconnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = handler
}

// IsConnected returns whether the feed is currently connected.
func (t *AngelTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *AngelTicker) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.RLock()
			active := t.connected && t.conn == conn
			t.mu.RUnlock()
			if !active {
				return
			}

			t.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *AngelTicker) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(ctx, conn, err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			// "pong" heartbeat replies, ignore.
		case websocket.BinaryMessage:
			if tick, ok := t.parseTick(data); ok {
				t.mu.RLock()
				handler := t.onTick
				t.mu.RUnlock()
				if handler != nil {
					handler(tick)
				}
			}
		}
	}
}

func (t *AngelTicker) handleDisconnect(ctx context.Context, conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// A newer connection has already replaced this one.
		t.mu.Unlock()
		return
	}
	wasConnected := t.connected
	t.connected = false
	t.conn = nil
	intentional := !wasConnected
	t.mu.Unlock()

	if intentional {
		return
	}

	t.logger.Warn().Err(cause).Msg("Feed connection lost")
	if t.onDisconnect != nil {
		go t.onDisconnect()
	}

	go t.reconnect(ctx)
}

// reconnect retries with exponential backoff; exhausting the budget is
// fatal and surfaces through the error handler.
func (t *AngelTicker) reconnect(ctx context.Context) {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	for attempt := 1; attempt <= t.maxReconnects; attempt++ {
		delay := t.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		t.mu.RLock()
		alreadyUp := t.connected
		t.mu.RUnlock()
		if alreadyUp {
			return
		}

		t.logger.Info().Int("attempt", attempt).Msg("Reconnecting feed")
		if err := t.Connect(ctx); err == nil {
			return
		} else if t.onError != nil {
			t.onError(apperrors.NewFeedError("reconnect", attempt, false, err))
		}
	}

	t.mu.Lock()
	t.reconnecting = false
	t.mu.Unlock()

	if t.onError != nil {
		t.onError(apperrors.NewFeedError("reconnect", t.maxReconnects, true, apperrors.ErrFeedUnavailable))
	}
}

func (t *AngelTicker) resubscribe() {
	t.mu.RLock()
	subs := make([]TokenSub, 0, len(t.subscribed))
	for _, sub := range t.subscribed {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	if err := t.sendSubscription(subscribeAction, subs); err != nil {
		t.logger.Error().Err(err).Msg("Resubscribe after reconnect failed")
	}
}

// parseTick decodes a SmartAPI binary tick packet. Prices arrive as
// int64 paise and are converted to rupees.
func (t *AngelTicker) parseTick(data []byte) (models.Tick, bool) {
	if len(data) < ltpPacketSize {
		return models.Tick{}, false
	}

	token := string(bytes.TrimRight(data[offsetToken:offsetToken+25], "\x00"))
	tsMillis := int64(binary.LittleEndian.Uint64(data[offsetExchangeTS : offsetExchangeTS+8]))
	ltpPaise := int64(binary.LittleEndian.Uint64(data[offsetLTP : offsetLTP+8]))

	t.mu.RLock()
	symbol := t.tokenSymbols[token]
	t.mu.RUnlock()

	tick := models.Tick{
		Token:     token,
		Symbol:    symbol,
		LTP:       float64(ltpPaise) / 100,
		Timestamp: time.UnixMilli(tsMillis),
	}

	if len(data) >= quotePacketSize {
		tick.Volume = int64(binary.LittleEndian.Uint64(data[offsetVolume : offsetVolume+8]))
	}

	// Snap-quote packets carry best-five depth; take the top of book.
	if len(data) >= offsetBestFive+depthEntryCount*depthEntrySize {
		for i := 0; i < depthEntryCount; i++ {
			entry := data[offsetBestFive+i*depthEntrySize:]
			isBuy := binary.LittleEndian.Uint16(entry[0:2]) == 1
			price := float64(int64(binary.LittleEndian.Uint64(entry[10:18]))) / 100
			if isBuy && tick.BidPrice == 0 {
				tick.BidPrice = price
			} else if !isBuy && tick.AskPrice == 0 {
				tick.AskPrice = price
			}
		}
	}

	return tick, true
}

// Ensure AngelTicker implements Ticker interface
var _ Ticker = (*AngelTicker)(nil)
