package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

const scripMasterURL = "https://margincalculator.angelone.in/OpenAPI_File/files/OpenAPIScripMaster.json"

// Index spot feed tokens per Angel One instrument master.
var spotTokens = map[models.Index]struct {
	Token    string
	Exchange models.Exchange
}{
	models.IndexNifty:  {Token: "99926000", Exchange: models.NSE},
	models.IndexSensex: {Token: "99919000", Exchange: models.BSE},
}

// SpotInstrument returns the feed token and exchange for an index spot.
func SpotInstrument(index models.Index) (token string, exchange models.Exchange, err error) {
	spot, ok := spotTokens[index]
	if !ok {
		return "", "", apperrors.Wrapf(apperrors.ErrContractNotFound, "no spot token for index %s", index)
	}
	return spot.Token, spot.Exchange, nil
}

// scripRow is one row of the Angel One scrip master dump.
type scripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
}

// ContractCatalog resolves option contracts from the Angel One scrip master.
// The master is downloaded once per day and cached on disk; all lookups
// afterwards run against in-memory indexes.
type ContractCatalog struct {
	cachePath  string
	httpClient *http.Client
	logger     zerolog.Logger

	// keyed by index, then expiry date (IST midnight), then strike/type
	contracts map[models.Index]map[time.Time]map[models.ChainKey]models.OptionContract
	expiries  map[models.Index][]time.Time
}

// NewContractCatalog creates a catalog backed by the given cache file.
func NewContractCatalog(cachePath string, logger zerolog.Logger) *ContractCatalog {
	if cachePath == "" {
		homeDir, _ := os.UserHomeDir()
		cachePath = filepath.Join(homeDir, ".config", "angel-quant", "scrip_master.json")
	}
	return &ContractCatalog{
		cachePath:  cachePath,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		contracts:  make(map[models.Index]map[time.Time]map[models.ChainKey]models.OptionContract),
		expiries:   make(map[models.Index][]time.Time),
	}
}

// Load reads the scrip master, downloading a fresh copy if the cached
// file is missing or from a previous day, and builds the lookup indexes.
func (c *ContractCatalog) Load(ctx context.Context) error {
	data, err := c.readCached()
	if err != nil {
		// The master is a hard startup dependency; ride out transient
		// network failures before giving up.
		data, err = utils.RetryWithResult(ctx, utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
		}, func() ([]byte, error) {
			return c.download(ctx)
		})
		if err != nil {
			return err
		}
	}

	var rows []scripRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decoding scrip master: %w", err)
	}

	return c.index(rows)
}

func (c *ContractCatalog) readCached() ([]byte, error) {
	info, err := os.Stat(c.cachePath)
	if err != nil {
		return nil, err
	}
	if !sameDay(info.ModTime(), time.Now()) {
		return nil, fmt.Errorf("scrip master cache from %s is stale", info.ModTime().Format("2006-01-02"))
	}
	return os.ReadFile(c.cachePath)
}

func (c *ContractCatalog) download(ctx context.Context) ([]byte, error) {
	c.logger.Info().Str("url", scripMasterURL).Msg("Downloading scrip master")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scripMasterURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectionFailed, "scrip master download")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewBrokerError("SCRIP_MASTER", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0755); err == nil {
		if werr := os.WriteFile(c.cachePath, data, 0644); werr != nil {
			c.logger.Warn().Err(werr).Msg("Failed to cache scrip master")
		}
	}

	return data, nil
}

func (c *ContractCatalog) index(rows []scripRow) error {
	indexed := 0
	for _, row := range rows {
		index, ok := indexForName(row.Name)
		if !ok {
			continue
		}
		if models.Exchange(row.ExchSeg) != index.OptionsExchange() {
			continue
		}
		if !strings.Contains(strings.ToUpper(row.InstrumentType), "OPT") {
			continue
		}

		var optType models.OptionType
		switch {
		case strings.HasSuffix(row.Symbol, "CE"):
			optType = models.OptionCall
		case strings.HasSuffix(row.Symbol, "PE"):
			optType = models.OptionPut
		default:
			continue
		}

		// Strikes are scaled by 100 in the dump.
		strikeRaw, err := strconv.ParseFloat(row.Strike, 64)
		if err != nil || strikeRaw <= 0 {
			continue
		}
		strike := int(strikeRaw / 100)

		expiry, err := ParseExpiry(row.Expiry)
		if err != nil {
			continue
		}

		lotSize, err := strconv.Atoi(row.LotSize)
		if err != nil || lotSize <= 0 {
			lotSize = index.LotSize()
		}

		byExpiry, ok := c.contracts[index]
		if !ok {
			byExpiry = make(map[time.Time]map[models.ChainKey]models.OptionContract)
			c.contracts[index] = byExpiry
		}
		byKey, ok := byExpiry[expiry]
		if !ok {
			byKey = make(map[models.ChainKey]models.OptionContract)
			byExpiry[expiry] = byKey
			c.expiries[index] = append(c.expiries[index], expiry)
		}

		byKey[models.ChainKey{Strike: strike, Type: optType}] = models.OptionContract{
			Symbol:     row.Symbol,
			Token:      row.Token,
			Index:      index,
			Strike:     strike,
			OptionType: optType,
			Expiry:     expiry,
			Exchange:   index.OptionsExchange(),
			LotSize:    lotSize,
		}
		indexed++
	}

	for index := range c.expiries {
		sort.Slice(c.expiries[index], func(i, j int) bool {
			return c.expiries[index][i].Before(c.expiries[index][j])
		})
	}

	if indexed == 0 {
		return apperrors.Wrap(apperrors.ErrContractNotFound, "scrip master contained no index options")
	}

	c.logger.Info().Int("contracts", indexed).Msg("Scrip master indexed")
	return nil
}

func indexForName(name string) (models.Index, bool) {
	switch name {
	case "NIFTY":
		return models.IndexNifty, true
	case "SENSEX":
		return models.IndexSensex, true
	}
	return "", false
}

// FindOption resolves a single option contract.
func (c *ContractCatalog) FindOption(index models.Index, expiry time.Time, strike int, optType models.OptionType) (models.OptionContract, error) {
	byExpiry, ok := c.contracts[index]
	if !ok {
		return models.OptionContract{}, apperrors.Wrapf(apperrors.ErrContractNotFound, "no contracts for %s", index)
	}
	byKey, ok := byExpiry[normalizeExpiry(expiry)]
	if !ok {
		return models.OptionContract{}, apperrors.Wrapf(apperrors.ErrContractNotFound,
			"no %s contracts expiring %s", index, expiry.Format("02Jan2006"))
	}
	contract, ok := byKey[models.ChainKey{Strike: strike, Type: optType}]
	if !ok {
		return models.OptionContract{}, apperrors.Wrapf(apperrors.ErrContractNotFound,
			"%s %d%s %s not listed", index, strike, optType, expiry.Format("02Jan2006"))
	}
	return contract, nil
}

// NextExpiry returns the nearest expiry on or after the given date that
// is at least minDays away. With minDays zero it returns the front expiry.
func (c *ContractCatalog) NextExpiry(index models.Index, after time.Time, minDays int) (time.Time, error) {
	cutoff := normalizeExpiry(after.AddDate(0, 0, minDays))
	for _, expiry := range c.expiries[index] {
		if !expiry.Before(cutoff) {
			return expiry, nil
		}
	}
	return time.Time{}, apperrors.Wrapf(apperrors.ErrContractNotFound,
		"no %s expiry on or after %s", index, cutoff.Format("02Jan2006"))
}

// Expiries returns all known expiries for an index, sorted ascending.
func (c *ContractCatalog) Expiries(index models.Index) []time.Time {
	out := make([]time.Time, len(c.expiries[index]))
	copy(out, c.expiries[index])
	return out
}

// Strikes returns all listed strikes for an expiry, sorted ascending.
func (c *ContractCatalog) Strikes(index models.Index, expiry time.Time) []int {
	byKey := c.contracts[index][normalizeExpiry(expiry)]
	seen := make(map[int]bool, len(byKey))
	strikes := make([]int, 0, len(byKey)/2)
	for key := range byKey {
		if !seen[key.Strike] {
			seen[key.Strike] = true
			strikes = append(strikes, key.Strike)
		}
	}
	sort.Ints(strikes)
	return strikes
}

// FindByToken does a reverse lookup, used when resuming from broker
// positions that only carry a symbol token.
func (c *ContractCatalog) FindByToken(token string) (models.OptionContract, error) {
	for _, byExpiry := range c.contracts {
		for _, byKey := range byExpiry {
			for _, contract := range byKey {
				if contract.Token == token {
					return contract, nil
				}
			}
		}
	}
	return models.OptionContract{}, apperrors.Wrapf(apperrors.ErrContractNotFound, "token %s not in scrip master", token)
}

// ParseExpiry parses an Angel One expiry string like "27NOV2025".
func ParseExpiry(s string) (time.Time, error) {
	if len(s) != 9 {
		return time.Time{}, fmt.Errorf("malformed expiry %q", s)
	}
	normalized := s[:2] + s[2:3] + strings.ToLower(s[3:5]) + s[5:]
	t, err := time.ParseInLocation("02Jan2006", normalized, utils.IST)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing expiry %q: %w", s, err)
	}
	return t, nil
}

// FormatExpiry renders an expiry the way the scrip master spells it.
func FormatExpiry(t time.Time) string {
	return strings.ToUpper(t.In(utils.IST).Format("02Jan2006"))
}

func normalizeExpiry(t time.Time) time.Time {
	y, m, d := t.In(utils.IST).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, utils.IST)
}
