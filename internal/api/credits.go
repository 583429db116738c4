package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Credit purchase pricing.
const (
	opBuyCredits   = "buy-credits"
	MsatsPerCredit = 100
	MinCredits     = 10
)

// CreditsHandler turns a signed buy-credits request into a Lightning
// invoice: it builds a zap request addressed to the service, signs it and
// exchanges it for an invoice at the LNURL callback. Settlement happens
// later, when the zap receipt arrives over Nostr.
type CreditsHandler struct {
	secretKey   string
	pubkey      string
	relays      []string
	callbackURL string
	httpClient  *http.Client
}

func NewCreditsHandler(secretKey, pubkey string, relays []string, callbackURL string) *CreditsHandler {
	return &CreditsHandler{
		secretKey:   secretKey,
		pubkey:      pubkey,
		relays:      relays,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

type creditsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Request handles a buy-credits event. The amount tag carries the number of
// credits requested; the response message is the bolt11 invoice.
func (h *CreditsHandler) Request(w http.ResponseWriter, r *http.Request) {
	if h.callbackURL == "" {
		respondError(w, http.StatusServiceUnavailable, "credit purchases are not configured")
		return
	}

	ev, err := parseSignedEvent(r)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if tagValue(ev, "t") != opBuyCredits {
		respondError(w, http.StatusUnprocessableEntity, `invalid event: must contain tag "buy-credits"`)
		return
	}

	credits, err := strconv.Atoi(tagValue(ev, "amount"))
	if err != nil || credits < MinCredits {
		respondError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf(`invalid request: must include an "amount" tag with at least %d credits`, MinCredits))
		return
	}
	msats := int64(credits) * MsatsPerCredit

	zapRequest, err := h.buildZapRequest(ev.PubKey, msats)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build zap request")
		return
	}

	invoice, err := h.fetchInvoice(r.Context(), zapRequest, msats)
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to fetch invoice: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, creditsResponse{Success: true, Message: invoice})
}

// buildZapRequest signs a zap request whose content names the credit
// receiver. The receipt settlement path reads it back from the receipt's
// description tag.
func (h *CreditsHandler) buildZapRequest(receiver string, msats int64) (*nostr.Event, error) {
	content, err := json.Marshal(map[string]string{"receiver": receiver})
	if err != nil {
		return nil, err
	}

	relaysTag := append(nostr.Tag{"relays"}, h.relays...)
	ev := nostr.Event{
		PubKey:    h.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindZapRequest,
		Content:   string(content),
		Tags: nostr.Tags{
			{"amount", strconv.FormatInt(msats, 10)},
			{"p", h.pubkey},
			relaysTag,
		},
	}
	if err := ev.Sign(h.secretKey); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (h *CreditsHandler) fetchInvoice(ctx context.Context, zapRequest *nostr.Event, msats int64) (string, error) {
	raw, err := json.Marshal(zapRequest)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("amount", strconv.FormatInt(msats, 10))
	q.Set("nostr", string(raw))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.callbackURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	var parsed struct {
		PR string `json:"pr"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decoding callback response: %w", err)
	}
	if parsed.PR == "" {
		return "", fmt.Errorf("callback response has no invoice")
	}
	return parsed.PR, nil
}
