package venue

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ListPage is one page of the paginated catalog listing: raw entries plus
// an optional upstream-reported total used by the walker's termination
// check.
type ListPage struct {
	Entries []map[string]any
	Total   int // 0 means "not reported"
}

// FetchListPage retrieves one page of active topics.
func (c *Client) FetchListPage(ctx context.Context, page, limit int) (*ListPage, error) {
	u := withQuery(c.listURL, map[string]string{
		"statusEnum": "Activated",
		"page":       strconv.Itoa(page),
		"limit":      strconv.Itoa(limit),
	})
	payload, err := c.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list page %d: %w", page, err)
	}

	var entries []map[string]any
	if raw, ok := payload["list"]; ok {
		entries = toMapSlice(raw)
	} else if raw, ok := payload["items"]; ok {
		entries = toMapSlice(raw)
	}

	total := 0
	if v, ok := getNumeric(payload, "total", "totalCount", "count"); ok {
		total = int(v)
	}
	return &ListPage{Entries: entries, Total: total}, nil
}

func toMapSlice(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// FetchTopicDetail fetches the detail payload for a single topic.
func (c *Client) FetchTopicDetail(ctx context.Context, topicID string) (map[string]any, error) {
	u := c.detailURL + "/" + topicID
	payload, err := c.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// FetchMultiDetail fetches the multi-outcome parent payload for a topic.
// Callers should treat ErrNotFound (via errors.Is) as "no multi-outcome
// parent", not as a hard failure.
func (c *Client) FetchMultiDetail(ctx context.Context, topicID string) (map[string]any, error) {
	u := c.multiURL + "/" + topicID
	payload, err := c.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// OrderbookPrice is the extracted latest price and its observation time.
type OrderbookPrice struct {
	Price     float64
	TimestampMs int64
}

// FetchOrderbook fetches the latest price for a (yesTokenId, topicId,
// chainId) triple, preferring last_price, then the lowest ask, then the
// highest bid.
func (c *Client) FetchOrderbook(ctx context.Context, yesTokenID, topicID, chainID string) (*OrderbookPrice, error) {
	u := withQuery(c.orderbookURL, map[string]string{
		"symbol":        yesTokenID,
		"question_id":   topicID,
		"chainId":       chainID,
		"symbol_types":  "0",
	})
	payload, err := c.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orderbook: %w", err)
	}

	price, ok := extractPrice(payload)
	if !ok {
		return nil, nil
	}

	ts := time.Now().UnixMilli()
	if v, ok := getNumeric(payload, "timestamp", "time", "ts"); ok {
		ts = coerceMillis(v)
	}
	return &OrderbookPrice{Price: price, TimestampMs: ts}, nil
}

func extractPrice(payload map[string]any) (float64, bool) {
	if v, ok := getNumeric(payload, "last_price", "lastPrice"); ok {
		return v, true
	}
	if asks, ok := payload["ask"].([]any); ok && len(asks) > 0 {
		if v, ok := firstPriceLevel(asks[0]); ok {
			return v, true
		}
	}
	if bids, ok := payload["bid"].([]any); ok && len(bids) > 0 {
		if v, ok := firstPriceLevel(bids[0]); ok {
			return v, true
		}
	}
	return 0, false
}

func firstPriceLevel(level any) (float64, bool) {
	switch t := level.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case map[string]any:
		return getNumeric(t, "price")
	default:
		return 0, false
	}
}

// FetchPrivateVolume fetches the cumulative traded volume for a market,
// trying the detail-by-id shape first and falling back to the list-by-id
// shape.
func (c *Client) FetchPrivateVolume(ctx context.Context, marketID int64) (float64, bool, error) {
	detailURL := c.privateMarketURL + "/" + strconv.FormatInt(marketID, 10)
	payload, err := c.Get(ctx, detailURL)
	if err == nil {
		if v, ok := getNumeric(payload, "volume", "totalVolume"); ok {
			return v, true, nil
		}
	}

	listURL := withQuery(c.privateMarketURL, map[string]string{
		"marketId": strconv.FormatInt(marketID, 10),
	})
	payload, err = c.Get(ctx, listURL)
	if err != nil {
		return 0, false, fmt.Errorf("failed to fetch private volume: %w", err)
	}
	if v, ok := getNumeric(payload, "volume", "totalVolume"); ok {
		return v, true, nil
	}
	return 0, false, nil
}

// FetchServerTime fetches the venue's current server clock, in
// milliseconds since epoch.
func (c *Client) FetchServerTime(ctx context.Context) (int64, error) {
	payload, err := c.Get(ctx, c.serverTimeURL)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch server time: %w", err)
	}
	v, ok := getNumeric(payload, "serverTime", "server_time", "timestamp", "time", "ts")
	if !ok {
		return 0, fmt.Errorf("server time response missing a timestamp field")
	}
	return coerceMillis(v), nil
}
