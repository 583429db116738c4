package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/lacartera/hostr/internal/relay"
)

// Credit purchase settlement constants. Receipts below the minimum are
// rejected; one credit costs 100 msats.
const (
	minReceiptMsats = 1000
	msatsPerCredit  = 100

	// receiptWindow bounds how far back receipts are requested on startup.
	receiptWindow = 86000 * time.Second
)

// settlementScope namespaces receipt ids in the deduplicator.
const settlementScope = "zap-receipts"

var invoiceAmountPattern = regexp.MustCompile(`^\D+(\d+)([mnpu]?)1`)

// SettlementStore grants purchased credits.
type SettlementStore interface {
	AddCredits(ctx context.Context, pubkey string, amount int64) (int64, error)
}

// SettlementDeduper guards against crediting the same receipt twice.
type SettlementDeduper interface {
	IsHandled(ctx context.Context, scope, eventID string) (bool, error)
	MarkHandled(ctx context.Context, scope, eventID string) error
}

// Settlement watches the write relays for zap receipts addressed to the
// service and converts paid invoices into credits. Each receipt is credited
// at most once.
type Settlement struct {
	store          SettlementStore
	dedup          SettlementDeduper
	notifier       Notifier
	dialer         relay.Dialer
	relays         []string
	providerPubkey string
	servicePubkey  string
	logger         *slog.Logger
}

func NewSettlement(store SettlementStore, dedup SettlementDeduper, notifier Notifier, dialer relay.Dialer, relays []string, providerPubkey, servicePubkey string, logger *slog.Logger) *Settlement {
	return &Settlement{
		store:          store,
		dedup:          dedup,
		notifier:       notifier,
		dialer:         dialer,
		relays:         relays,
		providerPubkey: providerPubkey,
		servicePubkey:  servicePubkey,
		logger:         logger,
	}
}

// Start opens one receipt subscription per relay. Each runs until the
// context is cancelled, redialing with backoff after drops.
func (s *Settlement) Start(ctx context.Context) {
	if s.providerPubkey == "" {
		s.logger.Info("zap receipt settlement disabled")
		return
	}
	for _, url := range s.relays {
		go s.watch(ctx, url)
	}
	s.logger.Info("zap receipt settlement started", "relays", len(s.relays))
}

func (s *Settlement) watch(ctx context.Context, url string) {
	delay := time.Second
	for {
		since := nostr.Timestamp(time.Now().Add(-receiptWindow).Unix())
		filters := nostr.Filters{{
			Authors: []string{s.providerPubkey},
			Kinds:   []int{nostr.KindZap},
			Tags:    nostr.TagMap{"p": []string{s.servicePubkey}},
			Since:   &since,
		}}

		err := s.consume(ctx, url, filters)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("receipt subscription lost", "relay", url, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

func (s *Settlement) consume(ctx context.Context, url string, filters nostr.Filters) error {
	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, err := conn.Subscribe(ctx, filters)
	if err != nil {
		return err
	}
	defer sub.Unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return errors.New("connection closed")
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("subscription closed")
			}
			s.handleReceipt(ctx, ev)
		}
	}
}

// handleReceipt validates one zap receipt and grants the purchased credits.
func (s *Settlement) handleReceipt(ctx context.Context, ev *nostr.Event) {
	if ev == nil || ev.ID == "" {
		s.logger.Error("received receipt without id from relay")
		return
	}

	handled, err := s.dedup.IsHandled(ctx, settlementScope, ev.ID)
	if err != nil {
		s.logger.Error("receipt dedup lookup failed", "error", err, "event_id", ev.ID)
	}
	if handled {
		return
	}

	receiver, credits, err := parseReceipt(ev)
	if err != nil {
		s.logger.Warn("ignoring invalid zap receipt", "event_id", ev.ID, "error", err)
		return
	}

	balance, err := s.store.AddCredits(ctx, receiver, credits)
	if err != nil {
		// Not marked handled: the receipt is retried on the next replay.
		s.logger.Error("failed to grant credits", "error", err, "pubkey", receiver)
		return
	}

	if err := s.dedup.MarkHandled(ctx, settlementScope, ev.ID); err != nil {
		s.logger.Error("failed to mark receipt handled", "error", err, "event_id", ev.ID)
	}

	go s.notifier.PublishCreditsBalance(context.Background(), receiver)
	s.logger.Info("credits purchased",
		"pubkey", receiver,
		"credits", credits,
		"balance", balance,
		"receipt_id", ev.ID,
	)
}

// parseReceipt extracts the credit receiver and purchased credit count from
// a zap receipt. The bolt11 tag carries the paid invoice; the description
// tag carries the original zap request, whose content names the receiver.
func parseReceipt(ev *nostr.Event) (receiver string, credits int64, err error) {
	bolt11 := tagValue(ev, "bolt11")
	if bolt11 == "" {
		return "", 0, errors.New("receipt has no bolt11 invoice")
	}

	msats, err := invoiceAmountMsats(bolt11)
	if err != nil {
		return "", 0, err
	}
	if msats < minReceiptMsats {
		return "", 0, fmt.Errorf("amount %d msats is below the minimum", msats)
	}

	description := tagValue(ev, "description")
	if description == "" {
		return "", 0, errors.New("receipt has no zap request description")
	}

	var zapRequest nostr.Event
	if err := json.Unmarshal([]byte(description), &zapRequest); err != nil {
		return "", 0, fmt.Errorf("decoding zap request: %w", err)
	}

	var content struct {
		Receiver string `json:"receiver"`
	}
	if err := json.Unmarshal([]byte(zapRequest.Content), &content); err == nil && content.Receiver != "" {
		receiver = content.Receiver
	} else {
		receiver = zapRequest.PubKey
	}
	if receiver == "" {
		return "", 0, errors.New("zap request does not name a receiver")
	}

	return receiver, msats / msatsPerCredit, nil
}

// invoiceAmountMsats parses the amount from a bolt11 invoice's
// human-readable part.
func invoiceAmountMsats(invoice string) (int64, error) {
	m := invoiceAmountPattern.FindStringSubmatch(invoice)
	if m == nil {
		return 0, errors.New("unparsable invoice amount")
	}

	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing invoice amount: %w", err)
	}

	// Multipliers scale bitcoin to millisatoshis.
	switch m[2] {
	case "":
		return amount * 1e11, nil
	case "m":
		return amount * 1e8, nil
	case "u":
		return amount * 1e5, nil
	case "n":
		return amount * 100, nil
	case "p":
		if amount%10 != 0 {
			return 0, errors.New("sub-millisatoshi invoice amount")
		}
		return amount / 10, nil
	default:
		return 0, errors.New("unknown invoice multiplier")
	}
}

func tagValue(ev *nostr.Event, name string) string {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}
