package universe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ematrader/internal/trader/dispatch"
	"ematrader/internal/trader/memorystore"
	"ematrader/pkg/alpaca"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAssets map[string]any // alpaca.Asset or error

func (f fakeAssets) GetAsset(_ context.Context, symbol string) (alpaca.Asset, error) {
	switch v := f[symbol].(type) {
	case alpaca.Asset:
		return v, nil
	case error:
		return alpaca.Asset{}, v
	default:
		return alpaca.Asset{}, fmt.Errorf("%w: %s", alpaca.ErrAssetNotFound, symbol)
	}
}

func active(symbol string) alpaca.Asset {
	return alpaca.Asset{Symbol: symbol, Status: "active", Tradable: true}
}

func load(t *testing.T, l *Loader) ([]string, int, error) {
	t.Helper()
	store := memorystore.NewSymbolStore()
	ch := make(chan string, 10)
	done := store.StartWorker(ch)
	n, err := l.Load(context.Background(), ch)
	<-done
	return store.GetAll(), n, err
}

// go test -v --run TestLoadFiltersUniverse
func TestLoadFiltersUniverse(t *testing.T) {
	l := &Loader{
		Symbols: []string{"aapl", " MSFT ", "GOOG", "ZZZZ", "DELISTED", "AAPL"},
		Assets: fakeAssets{
			"AAPL":     active("AAPL"),
			"MSFT":     active("MSFT"),
			"GOOG":     errors.New("connection reset"),
			"DELISTED": alpaca.Asset{Symbol: "DELISTED", Status: "inactive"},
		},
		Logger: zap.NewNop(),
	}

	symbols, n, err := load(t, l)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"AAPL", "GOOG", "MSFT"}, symbols)
}

// go test -v --run TestLoadAuthErrorAborts
func TestLoadAuthErrorAborts(t *testing.T) {
	l := &Loader{
		Symbols: []string{"AAPL"},
		Assets:  fakeAssets{"AAPL": &dispatch.BrokerError{Kind: dispatch.KindAuth, StatusCode: 401}},
		Logger:  zap.NewNop(),
	}
	_, _, err := load(t, l)
	assert.ErrorIs(t, err, dispatch.ErrAuth)
}

// go test -v --run TestLoadNothingTradable
func TestLoadNothingTradable(t *testing.T) {
	l := &Loader{Symbols: []string{"ZZZZ"}, Assets: fakeAssets{}, Logger: zap.NewNop()}
	_, _, err := load(t, l)
	assert.ErrorIs(t, err, ErrNoSymbols)
}

// go test -v --run TestLoadWithoutValidation
func TestLoadWithoutValidation(t *testing.T) {
	l := &Loader{Symbols: []string{"AAPL", "MSFT", "GOOG"}, Logger: zap.NewNop()}
	symbols, n, err := load(t, l)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"AAPL", "GOOG", "MSFT"}, symbols)
}
