package rest

import (
	"context"
	"fmt"
	"strconv"

	"bfxstream/pkg/core"
)

// Candle history sections.
const (
	SectionHist = "hist"
	SectionLast = "last"
)

// CandleQuery bounds a candle history request. Zero fields are omitted.
type CandleQuery struct {
	Limit int
	Start int64
	End   int64
	// Sort 1 returns oldest first; the default is newest first.
	Sort int
}

// PlatformStatus reports whether the platform is operative. It is false
// during maintenance.
func (c *Client) PlatformStatus(ctx context.Context) (bool, error) {
	var status []any
	if _, err := c.get(ctx, "platform/status", "/v2/platform/status", WithResult(&status)); err != nil {
		return false, err
	}
	if len(status) == 0 {
		return false, fmt.Errorf("platform status: empty reply")
	}
	v, ok := status[0].(float64)
	if !ok {
		return false, fmt.Errorf("platform status: unexpected value %v", status[0])
	}
	return v == 1, nil
}

// Candles fetches the candle series key, e.g. "trade:1m:tBTCUSD". The "hist"
// section returns a series newest first unless q.Sort is 1; "last" returns
// the latest candle only.
func (c *Client) Candles(ctx context.Context, key, section string, q CandleQuery) ([]core.Candle, error) {
	if section == "" {
		section = SectionHist
	}

	opts := []RequestOption{WithPathParam("key", key), WithPathParam("section", section)}
	if q.Limit > 0 {
		opts = append(opts, WithQueryParam("limit", strconv.Itoa(q.Limit)))
	}
	if q.Start > 0 {
		opts = append(opts, WithQueryParam("start", strconv.FormatInt(q.Start, 10)))
	}
	if q.End > 0 {
		opts = append(opts, WithQueryParam("end", strconv.FormatInt(q.End, 10)))
	}
	if q.Sort != 0 {
		opts = append(opts, WithQueryParam("sort", strconv.Itoa(q.Sort)))
	}

	var body []any
	opts = append(opts, WithResult(&body))
	if _, err := c.get(ctx, "candles", "/v2/candles/{key}/{section}", opts...); err != nil {
		return nil, err
	}

	if section == SectionLast {
		if len(body) == 0 {
			return nil, nil
		}
		return []core.Candle{core.CandleFromRaw(body)}, nil
	}

	candles := make([]core.Candle, 0, len(body))
	for _, rec := range body {
		raw, ok := rec.([]any)
		if !ok {
			return nil, fmt.Errorf("candles %s: unexpected record %v", key, rec)
		}
		candles = append(candles, core.CandleFromRaw(raw))
	}
	return candles, nil
}
