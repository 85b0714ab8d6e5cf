package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCoinIDs maps symbols to CoinGecko-style asset ids.
var DefaultCoinIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "ethereum",
}

// HTTPSource reads a simple-price endpoint:
// GET <base>?ids=a,b&vs_currencies=usd -> {"a":{"usd":1.23}}.
type HTTPSource struct {
	baseURL string
	ids     map[string]string
	client  *http.Client
}

func NewHTTPSource(baseURL string, ids map[string]string, client *http.Client) *HTTPSource {
	if ids == nil {
		ids = DefaultCoinIDs
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{baseURL: baseURL, ids: ids, client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	idSet := make(map[string]struct{})
	for _, sym := range symbols {
		if id, ok := s.ids[strings.ToUpper(sym)]; ok {
			idSet[id] = struct{}{}
		}
	}
	if len(idSet) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get prices: status %d", resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		id, ok := s.ids[sym]
		if !ok {
			continue
		}
		n, ok := body[id]["usd"]
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil, fmt.Errorf("parse %s price %q: %w", sym, n, err)
		}
		out[sym] = p
	}
	return out, nil
}
