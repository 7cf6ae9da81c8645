// Package cost implements the Cost Tracker: it computes per-call cost from
// token counts and a model's price, and accumulates per-user and per-model
// totals in the shared KV store.
package cost

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/kv"
)

// microsPerDollar scales cost to a fixed-point integer so KV counters
// never accumulate float drift; only the external JSON representation of
// cost uses a decimal number.
const microsPerDollar = 1_000_000

// Tracker computes and records token-denominated cost. Recording is
// best-effort: a KV failure is logged and swallowed, since the caller has
// already received the completion and must not be penalized for
// accounting latency.
type Tracker struct {
	store kv.Store
}

// New returns a Tracker backed by store.
func New(store kv.Store) *Tracker {
	return &Tracker{store: store}
}

// Compute returns totalTokens * pricePerTokenUSD rounded half-to-even to 6
// decimals, matching the precision the KV counters are stored at.
func Compute(pricePerTokenUSD float64, totalTokens int) float64 {
	raw := float64(totalTokens) * pricePerTokenUSD
	return roundHalfEven6(raw)
}

// Record accumulates requests/tokens/cost for both userID and model. Every
// counter is a KV integer with no expiry: requests and tokens are counted
// directly, cost is stored scaled by 1e6 to stay integer-exact.
func (t *Tracker) Record(ctx context.Context, userID, model string, promptTokens, completionTokens int, costUSD float64) {
	totalTokens := int64(promptTokens + completionTokens)
	costMicros := int64(math.RoundToEven(costUSD * microsPerDollar))

	for _, bump := range []struct {
		prefix, id string
	}{
		{"usage", userID},
		{"model_usage", model},
	} {
		if _, err := t.store.IncrByWithExpiry(ctx, bump.prefix+":"+bump.id+":requests", 1, 0); err != nil {
			logFailure(ctx, bump.prefix, bump.id, "requests", err)
		}
		if _, err := t.store.IncrByWithExpiry(ctx, bump.prefix+":"+bump.id+":tokens", totalTokens, 0); err != nil {
			logFailure(ctx, bump.prefix, bump.id, "tokens", err)
		}
		if _, err := t.store.IncrByWithExpiry(ctx, bump.prefix+":"+bump.id+":cost", costMicros, 0); err != nil {
			logFailure(ctx, bump.prefix, bump.id, "cost", err)
		}
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "cost_tracked",
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
		slog.String("user_id", userID),
		slog.String("model", model),
		slog.Int64("total_tokens", totalTokens),
		slog.Float64("cost_usd", costUSD),
	)
}

func logFailure(ctx context.Context, prefix, id, field string, err error) {
	slog.LogAttrs(ctx, slog.LevelWarn, "cost record failed",
		slog.String("prefix", prefix),
		slog.String("id", id),
		slog.String("field", field),
		slog.String("error", err.Error()),
	)
}

// UsageFor reads the requests/tokens/cost counters for a single user.
func (t *Tracker) UsageFor(ctx context.Context, userID string) (gateway.UsageSummary, error) {
	return t.readSummary(ctx, "usage:"+userID)
}

// UsageForModel reads the requests/tokens/cost counters for a single model.
func (t *Tracker) UsageForModel(ctx context.Context, model string) (gateway.UsageSummary, error) {
	return t.readSummary(ctx, "model_usage:"+model)
}

func (t *Tracker) readSummary(ctx context.Context, keyBase string) (gateway.UsageSummary, error) {
	var s gateway.UsageSummary

	requests, err := t.readInt(ctx, keyBase+":requests")
	if err != nil {
		return s, err
	}
	tokens, err := t.readInt(ctx, keyBase+":tokens")
	if err != nil {
		return s, err
	}
	costMicros, err := t.readInt(ctx, keyBase+":cost")
	if err != nil {
		return s, err
	}

	s.Requests = requests
	s.Tokens = tokens
	s.CostUSD = roundHalfEven6(float64(costMicros) / microsPerDollar)
	return s, nil
}

func (t *Tracker) readInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Summary scans usage:* and model_usage:* key prefixes and aggregates
// per-user and per-model totals for the admin view.
func (t *Tracker) Summary(ctx context.Context) (users map[string]gateway.UsageSummary, models map[string]gateway.UsageSummary, err error) {
	users, err = t.aggregate(ctx, "usage")
	if err != nil {
		return nil, nil, err
	}
	models, err = t.aggregate(ctx, "model_usage")
	if err != nil {
		return nil, nil, err
	}
	return users, models, nil
}

func (t *Tracker) aggregate(ctx context.Context, prefix string) (map[string]gateway.UsageSummary, error) {
	keys, err := t.store.Scan(ctx, prefix+":*")
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{})
	for _, k := range keys {
		id, ok := splitUsageKey(k, prefix)
		if ok {
			ids[id] = struct{}{}
		}
	}

	out := make(map[string]gateway.UsageSummary, len(ids))
	for id := range ids {
		s, err := t.readSummary(ctx, prefix+":"+id)
		if err != nil {
			return nil, err
		}
		out[id] = s
	}
	return out, nil
}

// splitUsageKey extracts the id from "{prefix}:{id}:{field}", tolerating
// ids that themselves contain colons (e.g. a user_id with embedded ":").
func splitUsageKey(key, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix+":")
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", false
	}
	return rest[:i], true
}

// roundHalfEven6 rounds f to 6 decimal places using banker's rounding, the
// same convention applied to the stored micro-dollar counters.
func roundHalfEven6(f float64) float64 {
	scaled := f * 1e6
	rounded := math.RoundToEven(scaled)
	return rounded / 1e6
}
