// Package aggregator adapts the external DEX-aggregator swap-quote HTTP
// API: a GET request against a configured base URL, defensively parsed
// since aggregator response shapes vary field names across providers
// (tx.to|to, tx.data|data, tx.value|value, dstAmount|toAmount).
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidationbot/internal/bottypes"
)

// Quote is a parsed swap-calldata response.
type Quote struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	MinOut   *uint256.Int // dstAmount / toAmount
}

// Client calls the aggregator's swap-quote endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New builds a Client against baseURL with a hard per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}, timeout: timeout}
}

// Quote requests a swap from src to dst of amount (in src's smallest
// unit), with slippageBps applied server-side, paid out to recipient.
func (c *Client) Quote(ctx context.Context, src, dst common.Address, amount *uint256.Int, slippageBps uint64, recipient common.Address) (*Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad aggregator base url: %v", bottypes.ErrAggregatorUnavailable, err)
	}
	q := u.Query()
	q.Set("src", src.Hex())
	q.Set("dst", dst.Hex())
	q.Set("amount", amount.Dec())
	q.Set("from", recipient.Hex())
	q.Set("slippage", strconv.FormatFloat(float64(slippageBps)/100, 'f', -1, 64))
	q.Set("disableEstimate", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", bottypes.ErrAggregatorUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", bottypes.ErrAggregatorTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", bottypes.ErrAggregatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", bottypes.ErrAggregatorUnavailable, resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", bottypes.ErrAggregatorUnavailable, err)
	}

	return parseQuote(raw)
}

func parseQuote(raw map[string]json.RawMessage) (*Quote, error) {
	toHex, ok := stringField(raw, "to")
	if !ok {
		toHex, ok = nestedStringField(raw, "tx", "to")
	}
	if !ok || !common.IsHexAddress(toHex) {
		return nil, fmt.Errorf("%w: missing or invalid tx.to", bottypes.ErrAggregatorUnavailable)
	}

	dataHex, ok := stringField(raw, "data")
	if !ok {
		dataHex, ok = nestedStringField(raw, "tx", "data")
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing tx.data", bottypes.ErrAggregatorUnavailable)
	}
	data := common.FromHex(dataHex)

	valueHex, _ := stringField(raw, "value")
	if valueHex == "" {
		valueHex, _ = nestedStringField(raw, "tx", "value")
	}
	value := new(big.Int)
	if valueHex != "" {
		if v, ok := new(big.Int).SetString(trimHex(valueHex), 0); ok {
			value = v
		}
	}

	minOutStr, ok := stringField(raw, "dstAmount")
	if !ok {
		minOutStr, ok = stringField(raw, "toAmount")
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing dstAmount/toAmount", bottypes.ErrAggregatorUnavailable)
	}
	minOut, ok := new(uint256.Int).SetString(minOutStr, 10)
	if !ok || minOut.IsZero() {
		return nil, fmt.Errorf("%w: zero or unparseable minOut", bottypes.ErrAggregatorUnavailable)
	}

	return &Quote{
		To:     common.HexToAddress(toHex),
		Data:   data,
		Value:  value,
		MinOut: minOut,
	}, nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, s != ""
}

func nestedStringField(raw map[string]json.RawMessage, outer, inner string) (string, bool) {
	v, ok := raw[outer]
	if !ok {
		return "", false
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(v, &nested); err != nil {
		return "", false
	}
	return stringField(nested, inner)
}

func trimHex(s string) string {
	if len(s) > 2 && s[0:2] == "0x" {
		return s
	}
	return s
}
