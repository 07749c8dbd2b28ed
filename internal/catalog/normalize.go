package catalog

import (
	"fmt"
	"strconv"

	"github.com/rewired-gh/polyoracle/internal/models"
)

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		}
	}
	return "", false
}

func numericField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func childList(m map[string]any) []map[string]any {
	raw, ok := m["childList"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if child, ok := item.(map[string]any); ok {
			out = append(out, child)
		}
	}
	return out
}

// activityFromEntry reports whether entry can be evaluated for activity
// without a further lookup, and if so, the result. decided is false when
// the entry lacks a usable status field.
func activityFromEntry(entry map[string]any, nowMs int64) (active bool, decided bool) {
	status, hasStatus := stringField(entry, "statusEnum")
	numStatus, hasNumStatus := numericField(entry, "status")
	if !hasStatus && !hasNumStatus {
		return false, false
	}
	isActivated := status == "Activated" || (hasNumStatus && numStatus == 2)

	if resolvedAt, ok := numericField(entry, "resolvedAt"); ok && resolvedAt > 0 && int64(resolvedAt) <= nowMs {
		return false, true
	}
	if cutoffAt, ok := numericField(entry, "cutoffAt"); ok && cutoffAt > 0 && int64(cutoffAt) <= nowMs {
		return false, true
	}
	return isActivated, true
}

func marketType(entry map[string]any) models.MarketType {
	if len(childList(entry)) > 0 {
		return models.MarketTypeMulti
	}
	if v, ok := numericField(entry, "marketType", "topicType"); ok && int(v) == 1 {
		return models.MarketTypeMulti
	}
	return models.MarketTypeNormal
}

// normalize converts a raw venue entry into a market descriptor.
// parentMarketID, if non-empty, overrides the descriptor's ParentMarketID
// (used when emitting a child of a reconciled multi-outcome parent).
func normalize(entry map[string]any, parentMarketID string, nowMs int64) *models.Market {
	marketIDStr, _ := stringField(entry, "marketId", "topicId")
	marketID, _ := strconv.ParseInt(marketIDStr, 10, 64)

	mt := marketType(entry)

	yesTokenID, ok := stringField(entry, "yesTokenId", "yesPos")
	if !ok && mt == models.MarketTypeMulti {
		yesTokenID = fmt.Sprintf("multi-parent-%d", marketID)
	}

	title, ok := stringField(entry, "marketTitle", "title")
	if !ok {
		title = fmt.Sprintf("market-%d", marketID)
	}

	var parentID int64
	if parentMarketID != "" {
		parentID, _ = strconv.ParseInt(parentMarketID, 10, 64)
	}

	topicID, _ := stringField(entry, "topicId")
	chainID, _ := stringField(entry, "chainId")
	cutoffAt, _ := numericField(entry, "cutoffAt")

	return &models.Market{
		MarketID:       marketID,
		YesTokenID:     yesTokenID,
		Title:          title,
		ParentMarketID: parentID,
		TopicID:        topicID,
		MarketType:     mt,
		ChainID:        chainID,
		CutoffAt:       int64(cutoffAt),
	}
}
