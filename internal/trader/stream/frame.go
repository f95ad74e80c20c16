package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ematrader/internal/trader/model"

	"github.com/shopspring/decimal"
)

// ErrProtocol marks a well-formed frame whose content cannot be used.
var ErrProtocol = errors.New("protocol error")

// rawMessage keeps keys exact: the stream uses "T"/"t" and "S"/"s" for
// different fields, which struct decoding would match case-insensitively.
type rawMessage map[string]json.RawMessage

// parseFrame splits a frame into its message objects. A bare object is
// accepted as a one-element frame.
func parseFrame(raw []byte) ([]rawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}

	switch raw[0] {
	case '[':
		var msgs []rawMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return msgs, nil
	case '{':
		var msg rawMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return []rawMessage{msg}, nil
	default:
		return nil, fmt.Errorf("%w: frame is not a JSON array or object", ErrProtocol)
	}
}

func (m rawMessage) str(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func (m rawMessage) control() controlMessage {
	var c controlMessage
	c.Type, _ = m.str("T")
	c.Msg, _ = m.str("msg")
	if v, ok := m["code"]; ok {
		_ = json.Unmarshal(v, &c.Code)
	}
	return c
}

// decodeTrade builds a TradeEvent from a "t" message.
func decodeTrade(m rawMessage) (model.TradeEvent, error) {
	symbol, ok := m.str("S")
	if !ok || symbol == "" {
		return model.TradeEvent{}, fmt.Errorf("%w: trade without symbol", ErrProtocol)
	}

	rawPrice, ok := m["p"]
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: trade %s without price", ErrProtocol, symbol)
	}
	var price decimal.Decimal
	if err := price.UnmarshalJSON(rawPrice); err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: trade %s price: %v", ErrProtocol, symbol, err)
	}
	if !price.IsPositive() {
		return model.TradeEvent{}, fmt.Errorf("%w: trade %s non-positive price %s", ErrProtocol, symbol, price)
	}

	rawTs, ok := m["t"]
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: trade %s without timestamp", ErrProtocol, symbol)
	}
	ts, err := parseTimestamp(rawTs)
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: trade %s timestamp: %v", ErrProtocol, symbol, err)
	}

	return model.TradeEvent{Symbol: symbol, Price: price, Timestamp: ts}, nil
}

// parseTimestamp accepts an RFC 3339 string or an epoch number (or numeric
// string) in seconds, milliseconds, microseconds or nanoseconds, picked by magnitude.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		raw = json.RawMessage(s)
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
	}

	switch {
	case f < 1e11:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case f < 1e14:
		return time.UnixMilli(int64(f)).UTC(), nil
	case f < 1e17:
		return time.UnixMicro(int64(f)).UTC(), nil
	default:
		return time.Unix(0, int64(f)).UTC(), nil
	}
}
