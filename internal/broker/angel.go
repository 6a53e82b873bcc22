package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/logging"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

const (
	angelBaseURL = "https://apiconnect.angelone.in"

	loginPath      = "/rest/auth/angelbroking/user/v1/loginByPassword"
	logoutPath     = "/rest/secure/angelbroking/user/v1/logout"
	placeOrderPath = "/rest/secure/angelbroking/order/v1/placeOrder"
	modifyPath     = "/rest/secure/angelbroking/order/v1/modifyOrder"
	cancelPath     = "/rest/secure/angelbroking/order/v1/cancelOrder"
	orderBookPath  = "/rest/secure/angelbroking/order/v1/getOrderBook"
	ltpPath        = "/rest/secure/angelbroking/order/v1/getLtpData"
	candlePath     = "/rest/secure/angelbroking/historical/v1/getCandleData"
	positionPath   = "/rest/secure/angelbroking/order/v1/getPosition"
)

// AngelBroker implements the Broker interface against Angel One SmartAPI.
type AngelBroker struct {
	httpClient *http.Client
	logger     zerolog.Logger

	apiKey     string
	clientID   string
	password   string
	totpSecret string

	sessionPath string

	mu            sync.RWMutex
	jwtToken      string
	refreshToken  string
	feedToken     string
	authenticated bool
}

// AngelConfig holds configuration for the Angel broker.
type AngelConfig struct {
	APIKey      string
	ClientID    string
	Password    string
	TOTPSecret  string
	SessionPath string
	Logger      zerolog.Logger
}

// NewAngelBroker creates a new Angel One SmartAPI broker instance.
// It automatically loads any saved session from disk.
func NewAngelBroker(cfg AngelConfig) *AngelBroker {
	sessionPath := cfg.SessionPath
	if sessionPath == "" {
		homeDir, _ := os.UserHomeDir()
		sessionPath = filepath.Join(homeDir, ".config", "angel-quant", "session.json")
	}

	ab := &AngelBroker{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      cfg.Logger,
		apiKey:      cfg.APIKey,
		clientID:    cfg.ClientID,
		password:    cfg.Password,
		totpSecret:  cfg.TOTPSecret,
		sessionPath: sessionPath,
	}

	_ = ab.loadSession()

	return ab
}

// sessionData represents persisted session data.
type sessionData struct {
	JWTToken     string    `json:"jwt_token"`
	RefreshToken string    `json:"refresh_token"`
	FeedToken    string    `json:"feed_token"`
	ClientID     string    `json:"client_id"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Login authenticates with SmartAPI using password + TOTP. A persisted
// session from the same trading day is reused.
func (a *AngelBroker) Login(ctx context.Context) error {
	a.mu.RLock()
	already := a.authenticated
	a.mu.RUnlock()
	if already {
		return nil
	}

	code, err := totp.GenerateCode(a.totpSecret, time.Now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidCredentials, "generating TOTP")
	}

	payload := map[string]string{
		"clientcode": a.clientID,
		"password":   a.password,
		"totp":       code,
	}

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			JWTToken     string `json:"jwtToken"`
			RefreshToken string `json:"refreshToken"`
			FeedToken    string `json:"feedToken"`
		} `json:"data"`
	}

	if err := a.post(ctx, loginPath, payload, &resp); err != nil {
		return apperrors.Wrap(err, "login")
	}
	if !resp.Status {
		return apperrors.NewBrokerError("LOGIN_FAILED", resp.Message, apperrors.ErrInvalidCredentials)
	}

	a.mu.Lock()
	a.jwtToken = resp.Data.JWTToken
	a.refreshToken = resp.Data.RefreshToken
	a.feedToken = resp.Data.FeedToken
	a.authenticated = true
	a.mu.Unlock()

	if err := a.saveSession(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to persist session")
	}

	a.logger.Info().Str("event", "login").Str("client_id", a.clientID).Msg("Logged in to SmartAPI")
	return nil
}

// Logout invalidates the session and clears stored tokens.
func (a *AngelBroker) Logout(ctx context.Context) error {
	a.mu.Lock()
	wasAuthed := a.authenticated
	a.jwtToken = ""
	a.refreshToken = ""
	a.feedToken = ""
	a.authenticated = false
	a.mu.Unlock()

	if wasAuthed {
		var resp struct {
			Status bool `json:"status"`
		}
		_ = a.post(ctx, logoutPath, map[string]string{"clientcode": a.clientID}, &resp)
	}

	if err := os.Remove(a.sessionPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

// IsAuthenticated returns whether the broker holds a session.
func (a *AngelBroker) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// FeedCredentials returns the tokens needed by the WebSocket feed.
func (a *AngelBroker) FeedCredentials() (jwt, apiKey, clientID, feedToken string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.jwtToken, a.apiKey, a.clientID, a.feedToken
}

func (a *AngelBroker) loadSession() error {
	data, err := os.ReadFile(a.sessionPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// SmartAPI sessions expire daily; a stale file is useless.
	if session.ClientID != a.clientID || !sameDay(session.IssuedAt, time.Now()) {
		return apperrors.ErrSessionExpired
	}

	a.mu.Lock()
	a.jwtToken = session.JWTToken
	a.refreshToken = session.RefreshToken
	a.feedToken = session.FeedToken
	a.authenticated = session.JWTToken != ""
	a.mu.Unlock()

	return nil
}

func (a *AngelBroker) saveSession() error {
	a.mu.RLock()
	session := sessionData{
		JWTToken:     a.jwtToken,
		RefreshToken: a.refreshToken,
		FeedToken:    a.feedToken,
		ClientID:     a.clientID,
		IssuedAt:     time.Now(),
	}
	a.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(a.sessionPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(a.sessionPath, data, 0600)
}

func sameDay(t1, t2 time.Time) bool {
	y1, m1, d1 := t1.In(utils.IST).Date()
	y2, m2, d2 := t2.In(utils.IST).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// PlaceOrder submits a regular order and returns the broker order id.
func (a *AngelBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	payload := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Symbol,
		"symboltoken":     req.Token,
		"transactiontype": string(req.Side),
		"exchange":        string(req.Exchange),
		"ordertype":       string(req.Type),
		"producttype":     "CARRYFORWARD",
		"duration":        "DAY",
		"quantity":        strconv.Itoa(req.Quantity),
		"ordertag":        req.Tag,
	}
	if req.Type == models.OrderTypeLimit {
		payload["price"] = fmt.Sprintf("%.2f", req.Price)
	}
	if req.TriggerPrice > 0 {
		payload["triggerprice"] = fmt.Sprintf("%.2f", req.TriggerPrice)
	}

	var resp struct {
		Status    bool   `json:"status"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
		Data      struct {
			OrderID string `json:"orderid"`
		} `json:"data"`
	}

	start := time.Now()
	err := a.post(ctx, placeOrderPath, payload, &resp)
	logging.LogAPICall(a.logger, "POST", placeOrderPath, time.Since(start), err)
	if err != nil {
		return "", err
	}
	if !resp.Status || resp.Data.OrderID == "" {
		return "", apperrors.NewOrderError("", req.Symbol, "place", mapRejectCode(resp.ErrorCode), fmt.Errorf("%s", resp.Message))
	}

	return resp.Data.OrderID, nil
}

// ModifyOrder modifies quantity/price of an open order.
func (a *AngelBroker) ModifyOrder(ctx context.Context, brokerOrderID string, req OrderRequest) error {
	payload := map[string]string{
		"variety":       "NORMAL",
		"orderid":       brokerOrderID,
		"tradingsymbol": req.Symbol,
		"symboltoken":   req.Token,
		"exchange":      string(req.Exchange),
		"ordertype":     string(req.Type),
		"producttype":   "CARRYFORWARD",
		"duration":      "DAY",
		"quantity":      strconv.Itoa(req.Quantity),
		"price":         fmt.Sprintf("%.2f", req.Price),
	}

	var resp struct {
		Status    bool   `json:"status"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	}
	if err := a.post(ctx, modifyPath, payload, &resp); err != nil {
		return err
	}
	if !resp.Status {
		return apperrors.NewOrderError(brokerOrderID, req.Symbol, "modify", mapRejectCode(resp.ErrorCode), fmt.Errorf("%s", resp.Message))
	}
	return nil
}

// CancelOrder cancels an open order.
func (a *AngelBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	payload := map[string]string{
		"variety": "NORMAL",
		"orderid": brokerOrderID,
	}

	var resp struct {
		Status    bool   `json:"status"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	}
	if err := a.post(ctx, cancelPath, payload, &resp); err != nil {
		return err
	}
	if !resp.Status {
		return apperrors.NewOrderError(brokerOrderID, "", "cancel", mapRejectCode(resp.ErrorCode), fmt.Errorf("%s", resp.Message))
	}
	return nil
}

// orderBookRow is the SmartAPI order book row shape.
type orderBookRow struct {
	OrderID       string `json:"orderid"`
	TradingSymbol string `json:"tradingsymbol"`
	Status        string `json:"status"`
	FilledShares  string `json:"filledshares"`
	Quantity      string `json:"quantity"`
	AveragePrice  string `json:"averageprice"`
	Text          string `json:"text"`
	UpdateTime    string `json:"updatetime"`
}

func (r orderBookRow) toRecord() OrderStatusRecord {
	filled, _ := strconv.Atoi(r.FilledShares)
	qty, _ := strconv.Atoi(r.Quantity)
	avg, _ := strconv.ParseFloat(r.AveragePrice, 64)
	updated, _ := time.ParseInLocation("02-Jan-2006 15:04:05", r.UpdateTime, utils.IST)

	return OrderStatusRecord{
		BrokerOrderID: r.OrderID,
		Symbol:        r.TradingSymbol,
		Status:        r.Status,
		FilledQty:     filled,
		Quantity:      qty,
		AveragePrice:  avg,
		RejectReason:  r.Text,
		UpdatedAt:     updated,
	}
}

// OrderBook fetches all orders for the day.
func (a *AngelBroker) OrderBook(ctx context.Context) ([]OrderStatusRecord, error) {
	var resp struct {
		Status  bool           `json:"status"`
		Message string         `json:"message"`
		Data    []orderBookRow `json:"data"`
	}
	if err := a.get(ctx, orderBookPath, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, apperrors.NewBrokerError("ORDER_BOOK", resp.Message, nil)
	}

	records := make([]OrderStatusRecord, 0, len(resp.Data))
	for _, row := range resp.Data {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// OrderStatus fetches the status of one order via the order book.
func (a *AngelBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatusRecord, error) {
	records, err := a.OrderBook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].BrokerOrderID == brokerOrderID {
			return &records[i], nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

// GetLTP fetches the last traded price for a single instrument.
func (a *AngelBroker) GetLTP(ctx context.Context, exchange models.Exchange, symbol, token string) (float64, error) {
	payload := map[string]string{
		"exchange":      string(exchange),
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			LTP float64 `json:"ltp"`
		} `json:"data"`
	}
	if err := a.post(ctx, ltpPath, payload, &resp); err != nil {
		return 0, err
	}
	if !resp.Status {
		return 0, apperrors.NewBrokerError("LTP", resp.Message, nil)
	}
	return resp.Data.LTP, nil
}

// GetCandles fetches historical candles.
func (a *AngelBroker) GetCandles(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	payload := map[string]string{
		"exchange":    string(req.Exchange),
		"symboltoken": req.Token,
		"interval":    req.Interval,
		"fromdate":    req.From.In(utils.IST).Format("2006-01-02 15:04"),
		"todate":      req.To.In(utils.IST).Format("2006-01-02 15:04"),
	}

	var resp struct {
		Status  bool            `json:"status"`
		Message string          `json:"message"`
		Data    [][]interface{} `json:"data"`
	}
	if err := a.post(ctx, candlePath, payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, apperrors.NewBrokerError("CANDLES", resp.Message, nil)
	}

	candles := make([]models.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			continue
		}
		ts, err := time.Parse("2006-01-02T15:04:05-07:00", fmt.Sprint(row[0]))
		if err != nil {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: ts,
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    int64(toFloat(row[5])),
		})
	}
	return candles, nil
}

// GetPositions fetches the day's net positions.
func (a *AngelBroker) GetPositions(ctx context.Context) ([]NetPosition, error) {
	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    []struct {
			TradingSymbol string `json:"tradingsymbol"`
			SymbolToken   string `json:"symboltoken"`
			Exchange      string `json:"exchange"`
			NetQty        string `json:"netqty"`
			BuyAvgPrice   string `json:"buyavgprice"`
			SellAvgPrice  string `json:"sellavgprice"`
		} `json:"data"`
	}
	if err := a.get(ctx, positionPath, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, apperrors.NewBrokerError("POSITIONS", resp.Message, nil)
	}

	positions := make([]NetPosition, 0, len(resp.Data))
	for _, row := range resp.Data {
		netQty, _ := strconv.Atoi(row.NetQty)
		buyAvg, _ := strconv.ParseFloat(row.BuyAvgPrice, 64)
		sellAvg, _ := strconv.ParseFloat(row.SellAvgPrice, 64)
		positions = append(positions, NetPosition{
			Symbol:       row.TradingSymbol,
			Token:        row.SymbolToken,
			Exchange:     models.Exchange(row.Exchange),
			NetQty:       netQty,
			BuyAvgPrice:  buyAvg,
			SellAvgPrice: sellAvg,
		})
	}
	return positions, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

// mapRejectCode maps SmartAPI error codes to the internal taxonomy.
func mapRejectCode(code string) apperrors.RejectReason {
	switch code {
	case "AB1004", "AB2001":
		return apperrors.RejectTimeout
	case "AB1011":
		return apperrors.RejectRateLimited
	case "AG8001", "AG8002", "AG8003", "AB8050", "AB8051":
		return apperrors.RejectAuthExpired
	case "AB1007":
		return apperrors.RejectMarginShort
	case "AB1002", "AB1017":
		return apperrors.RejectInvalidOrder
	case "AB1013":
		return apperrors.RejectMarketClosed
	}
	return apperrors.RejectUnknown
}

func (a *AngelBroker) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPost, path, bytes.NewReader(body), out)
}

func (a *AngelBroker) get(ctx context.Context, path string, out interface{}) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *AngelBroker) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, angelBaseURL+path, body)
	if err != nil {
		return err
	}

	a.mu.RLock()
	jwt := a.jwtToken
	a.mu.RUnlock()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", a.apiKey)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConnectionFailed, err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		a.mu.Lock()
		a.authenticated = false
		a.mu.Unlock()
		return apperrors.ErrSessionExpired
	case http.StatusTooManyRequests:
		return apperrors.ErrRateLimited
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Ensure AngelBroker implements Broker interface
var _ Broker = (*AngelBroker)(nil)
