// Package offerbolt12alt implements the Lightning Adapter's
// "offer-based-B" backend variant: same capability surface as
// offerbolt12, but reached over the node's HTTP REST surface rather than
// its JSON-RPC socket, and with settlements discovered by polling
// list_payments on an interval instead of a push subscription — an
// "offer-based backend" is not assumed to be a single wire protocol,
// only a single carrier convention (payer-note).
package offerbolt12alt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/paymentid"
)

// Backend is an HTTP-REST offer-based Lightning backend.
type Backend struct {
	baseURL     string
	credentials string
	httpClient  *http.Client
	pollEvery   time.Duration
}

// NewBackend builds a Backend targeting baseURL, authenticating with
// credentials as a bearer token.
func NewBackend(baseURL, credentials string) *Backend {
	return &Backend{
		baseURL:     baseURL,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		pollEvery:   3 * time.Second,
	}
}

func (b *Backend) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("offerbolt12alt: marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("offerbolt12alt: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.credentials)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", lightning.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("offerbolt12alt: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusPaymentRequired, http.StatusConflict:
		return lightning.ErrInsufficientFunds
	case http.StatusNotFound:
		return lightning.ErrRouteNotFound
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return lightning.ErrPayTimeout
	default:
		return fmt.Errorf("offerbolt12alt: http %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("offerbolt12alt: parse response: %w", err)
		}
	}
	return nil
}

func (b *Backend) CreateOffer(ctx context.Context) (string, error) {
	var out struct {
		Offer string `json:"offer"`
	}
	if err := b.do(ctx, http.MethodPost, "/v1/offers", nil, &out); err != nil {
		return "", err
	}
	return out.Offer, nil
}

func (b *Backend) Pay(ctx context.Context, offer string, amountMsats int64, id paymentid.ID) (string, error) {
	var out struct {
		SettlementID string `json:"settlement_id"`
	}
	body := map[string]interface{}{
		"offer":       offer,
		"amount_msat": amountMsats,
		"payer_note":  id.String(),
	}
	if err := b.do(ctx, http.MethodPost, "/v1/pay", body, &out); err != nil {
		return "", err
	}
	return out.SettlementID, nil
}

// SubscribeIncoming polls list_payments on pollEvery, the variant's
// distinguishing behavior relative to offerbolt12, which has no polling.
func (b *Backend) SubscribeIncoming(ctx context.Context) (<-chan lightning.Settlement, error) {
	out := make(chan lightning.Settlement, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollEvery)
		defer ticker.Stop()
		lastSeen := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var page struct {
					Payments []struct {
						AmountMsat int64  `json:"amount_msat"`
						PayerNote  string `json:"payer_note"`
						ReceivedAt int64  `json:"received_at"`
					} `json:"payments"`
				}
				if err := b.do(ctx, http.MethodGet, fmt.Sprintf("/v1/payments?since=%d", lastSeen.Unix()), nil, &page); err != nil {
					continue
				}
				for _, p := range page.Payments {
					select {
					case out <- lightning.Settlement{
						AmountMsats: p.AmountMsat,
						Note:        p.PayerNote,
						ReceivedAt:  time.Unix(p.ReceivedAt, 0),
					}:
					case <-ctx.Done():
						return
					}
				}
				lastSeen = time.Now()
			}
		}
	}()
	return out, nil
}

func (b *Backend) ListOutgoing(ctx context.Context, since time.Time) ([]lightning.OutgoingPayment, error) {
	var page struct {
		Payments []lightning.OutgoingPayment `json:"payments"`
	}
	if err := b.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sendpays?since=%d", since.Unix()), nil, &page); err != nil {
		return nil, err
	}
	return page.Payments, nil
}

func (b *Backend) SmallestUnitMsats() int64 { return 1 }

var _ lightning.Backend = (*Backend)(nil)
