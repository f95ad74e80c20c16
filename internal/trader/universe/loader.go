package universe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ematrader/internal/trader/dispatch"
	"ematrader/pkg/alpaca"

	"go.uber.org/zap"
)

var ErrNoSymbols = errors.New("no tradable symbols configured")

// AssetGetter looks up one asset on the trading API.
type AssetGetter interface {
	GetAsset(ctx context.Context, symbol string) (alpaca.Asset, error)
}

type Loader struct {
	Symbols []string
	Assets  AssetGetter // nil skips validation
	Timeout time.Duration
	Logger  *zap.Logger
}

// Load checks every configured symbol against the trading API and streams
// the tradable ones into ch, closing it when done. Unknown or untradable
// symbols are dropped with a warning. Lookups that fail for other reasons
// keep the symbol, except authentication errors, which abort the load.
func (l *Loader) Load(ctx context.Context, ch chan<- string) (int, error) {
	defer close(ch) // Ensure downstream consumers can exit cleanly

	accepted := 0
	seen := make(map[string]bool, len(l.Symbols))
	for _, raw := range l.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true

		ok, err := l.check(ctx, symbol)
		if err != nil {
			return accepted, err
		}
		if !ok {
			continue
		}

		select {
		case ch <- symbol:
			accepted++
		case <-ctx.Done():
			l.Logger.Warn("symbol streaming interrupted", zap.Error(ctx.Err()))
			return accepted, ctx.Err()
		}
	}

	if accepted == 0 {
		return 0, ErrNoSymbols
	}
	l.Logger.Info("loaded symbols", zap.Int("count", accepted))
	return accepted, nil
}

func (l *Loader) check(ctx context.Context, symbol string) (bool, error) {
	if l.Assets == nil {
		return true, nil
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	asset, err := l.Assets.GetAsset(reqCtx, symbol)
	switch {
	case errors.Is(err, alpaca.ErrAssetNotFound):
		l.Logger.Warn("dropping unknown symbol", zap.String("symbol", symbol))
		return false, nil
	case errors.Is(err, dispatch.ErrAuth):
		return false, fmt.Errorf("validate %s: %w", symbol, err)
	case err != nil:
		l.Logger.Warn("could not validate symbol, keeping it", zap.String("symbol", symbol), zap.Error(err))
		return true, nil
	}

	if !asset.Tradable || asset.Status != "active" {
		l.Logger.Warn("dropping untradable symbol",
			zap.String("symbol", symbol),
			zap.String("status", asset.Status),
			zap.Bool("tradable", asset.Tradable))
		return false, nil
	}
	return true, nil
}
