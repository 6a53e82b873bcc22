package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

func TestSpotInstrument(t *testing.T) {
	token, exchange, err := SpotInstrument(models.IndexNifty)
	require.NoError(t, err)
	assert.Equal(t, "99926000", token)
	assert.Equal(t, models.NSE, exchange)

	token, exchange, err = SpotInstrument(models.IndexSensex)
	require.NoError(t, err)
	assert.Equal(t, "99919000", token)
	assert.Equal(t, models.BSE, exchange)

	_, _, err = SpotInstrument(models.Index("BANKNIFTY"))
	assert.ErrorIs(t, err, apperrors.ErrContractNotFound)
}

func TestParseExpiry(t *testing.T) {
	got, err := ParseExpiry("27NOV2025")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 27, 0, 0, 0, 0, utils.IST), got)

	_, err = ParseExpiry("2025-11-27")
	assert.Error(t, err)
	_, err = ParseExpiry("27XYZ2025")
	assert.Error(t, err)
}

func TestFormatExpiry_RoundTrip(t *testing.T) {
	orig := "02JAN2026"
	parsed, err := ParseExpiry(orig)
	require.NoError(t, err)
	assert.Equal(t, orig, FormatExpiry(parsed))
}

// scripMaster builds catalog rows the way the Angel One dump spells
// them: strike scaled by 100, expiry as 27NOV2025.
func scripMaster() []scripRow {
	var rows []scripRow
	add := func(name, exch, expiry string, strike int, typ string, lot string) {
		rows = append(rows, scripRow{
			Token:          fmt.Sprintf("%d%s%s", strike, typ, expiry[:5]),
			Symbol:         fmt.Sprintf("%s%s%d%s", name, expiry[:5], strike, typ),
			Name:           name,
			Expiry:         expiry,
			Strike:         fmt.Sprintf("%d00.000000", strike),
			LotSize:        lot,
			InstrumentType: "OPTIDX",
			ExchSeg:        exch,
		})
	}
	for _, strike := range []int{21900, 22000, 22100} {
		add("NIFTY", "NFO", "27NOV2025", strike, "CE", "75")
		add("NIFTY", "NFO", "27NOV2025", strike, "PE", "75")
		add("NIFTY", "NFO", "04DEC2025", strike, "CE", "75")
		add("NIFTY", "NFO", "04DEC2025", strike, "PE", "75")
	}
	add("SENSEX", "BFO", "02DEC2025", 81000, "CE", "20")

	// Noise the indexer must skip: stock options, futures, bad strikes.
	rows = append(rows,
		scripRow{Name: "RELIANCE", ExchSeg: "NFO", InstrumentType: "OPTSTK", Symbol: "RELIANCE27NOV25CE", Expiry: "27NOV2025", Strike: "250000.000000"},
		scripRow{Name: "NIFTY", ExchSeg: "NFO", InstrumentType: "FUTIDX", Symbol: "NIFTY27NOV25FUT", Expiry: "27NOV2025", Strike: "0.000000"},
		scripRow{Name: "NIFTY", ExchSeg: "NFO", InstrumentType: "OPTIDX", Symbol: "NIFTY27NOV2522200CE", Expiry: "bogus", Strike: "2220000.000000"},
	)
	return rows
}

func testCatalog(t *testing.T) *ContractCatalog {
	t.Helper()
	c := NewContractCatalog(t.TempDir()+"/scrip_master.json", zerolog.Nop())
	require.NoError(t, c.index(scripMaster()))
	return c
}

func TestCatalog_FindOption(t *testing.T) {
	c := testCatalog(t)
	expiry := time.Date(2025, 11, 27, 0, 0, 0, 0, utils.IST)

	contract, err := c.FindOption(models.IndexNifty, expiry, 22000, models.OptionCall)
	require.NoError(t, err)
	assert.Equal(t, 22000, contract.Strike)
	assert.Equal(t, models.OptionCall, contract.OptionType)
	assert.Equal(t, models.NFO, contract.Exchange)
	assert.Equal(t, 75, contract.LotSize)

	// Time-of-day on the lookup expiry is ignored.
	afternoon := time.Date(2025, 11, 27, 15, 30, 0, 0, utils.IST)
	_, err = c.FindOption(models.IndexNifty, afternoon, 22000, models.OptionPut)
	assert.NoError(t, err)

	_, err = c.FindOption(models.IndexNifty, expiry, 25000, models.OptionCall)
	assert.ErrorIs(t, err, apperrors.ErrContractNotFound)
}

func TestCatalog_NextExpiry(t *testing.T) {
	c := testCatalog(t)
	nov27 := time.Date(2025, 11, 27, 0, 0, 0, 0, utils.IST)
	dec4 := time.Date(2025, 12, 4, 0, 0, 0, 0, utils.IST)

	got, err := c.NextExpiry(models.IndexNifty, time.Date(2025, 11, 25, 11, 0, 0, 0, utils.IST), 0)
	require.NoError(t, err)
	assert.Equal(t, nov27, got)

	// Expiry day itself still counts as the front expiry.
	got, err = c.NextExpiry(models.IndexNifty, nov27, 0)
	require.NoError(t, err)
	assert.Equal(t, nov27, got)

	// A minimum distance skips past the front week.
	got, err = c.NextExpiry(models.IndexNifty, time.Date(2025, 11, 25, 0, 0, 0, 0, utils.IST), 3)
	require.NoError(t, err)
	assert.Equal(t, dec4, got)

	_, err = c.NextExpiry(models.IndexNifty, time.Date(2026, 1, 1, 0, 0, 0, 0, utils.IST), 0)
	assert.ErrorIs(t, err, apperrors.ErrContractNotFound)
}

func TestCatalog_ExpiriesSorted(t *testing.T) {
	c := testCatalog(t)
	expiries := c.Expiries(models.IndexNifty)
	require.Len(t, expiries, 2)
	assert.True(t, expiries[0].Before(expiries[1]))
}

func TestCatalog_Strikes(t *testing.T) {
	c := testCatalog(t)
	strikes := c.Strikes(models.IndexNifty, time.Date(2025, 11, 27, 0, 0, 0, 0, utils.IST))
	assert.Equal(t, []int{21900, 22000, 22100}, strikes)
}

func TestCatalog_FindByToken(t *testing.T) {
	c := testCatalog(t)
	expiry := time.Date(2025, 11, 27, 0, 0, 0, 0, utils.IST)
	want, err := c.FindOption(models.IndexNifty, expiry, 22100, models.OptionPut)
	require.NoError(t, err)

	got, err := c.FindByToken(want.Token)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = c.FindByToken("nope")
	assert.ErrorIs(t, err, apperrors.ErrContractNotFound)
}

func TestCatalog_EmptyMaster(t *testing.T) {
	c := NewContractCatalog(t.TempDir()+"/scrip_master.json", zerolog.Nop())
	err := c.index([]scripRow{{Name: "RELIANCE", ExchSeg: "NFO", InstrumentType: "OPTSTK"}})
	assert.ErrorIs(t, err, apperrors.ErrContractNotFound)
}
