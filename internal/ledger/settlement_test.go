package ledger

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestInvoiceAmountMsats(t *testing.T) {
	tests := []struct {
		name    string
		invoice string
		want    int64
		wantErr bool
	}{
		{name: "micro multiplier", invoice: "lnbc10u1pabcdef", want: 10 * 1e5},
		{name: "nano multiplier", invoice: "lnbc210n1pabcdef", want: 21000},
		{name: "milli multiplier", invoice: "lnbc1m1pabcdef", want: 1e8},
		{name: "pico multiplier", invoice: "lnbc100p1pabcdef", want: 10},
		{name: "no multiplier", invoice: "lnbc1" + "1pabcdef", want: 1e11},
		{name: "sub msat pico", invoice: "lnbc101p1pabcdef", wantErr: true},
		{name: "no amount", invoice: "lnbc", wantErr: true},
		{name: "garbage", invoice: "not an invoice", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invoiceAmountMsats(tt.invoice)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("invoiceAmountMsats: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d msats, want %d", got, tt.want)
			}
		})
	}
}

func receiptEvent(t *testing.T, bolt11, receiver string) *nostr.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{"receiver": receiver})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	zapRequest := nostr.Event{
		PubKey:  "service-pubkey",
		Kind:    nostr.KindZapRequest,
		Content: string(content),
	}
	description, err := json.Marshal(zapRequest)
	if err != nil {
		t.Fatalf("marshal zap request: %v", err)
	}
	return &nostr.Event{
		ID:   "receipt-1",
		Kind: nostr.KindZap,
		Tags: nostr.Tags{
			{"bolt11", bolt11},
			{"description", string(description)},
		},
	}
}

func TestParseReceipt_CreditsFromInvoiceAmount(t *testing.T) {
	// 210n = 21000 msats = 210 credits at 100 msats each.
	ev := receiptEvent(t, "lnbc210n1pabcdef", "buyer-pubkey")

	receiver, credits, err := parseReceipt(ev)
	if err != nil {
		t.Fatalf("parseReceipt: %v", err)
	}
	if receiver != "buyer-pubkey" {
		t.Errorf("receiver = %q, want buyer-pubkey", receiver)
	}
	if credits != 210 {
		t.Errorf("credits = %d, want 210", credits)
	}
}

func TestParseReceipt_BelowMinimum(t *testing.T) {
	// 100p = 10 msats, below the 1000 msat floor.
	ev := receiptEvent(t, "lnbc100p1pabcdef", "buyer-pubkey")

	if _, _, err := parseReceipt(ev); err == nil {
		t.Fatal("expected error for amount below minimum")
	}
}

func TestParseReceipt_MissingInvoice(t *testing.T) {
	ev := &nostr.Event{
		ID:   "receipt-2",
		Kind: nostr.KindZap,
		Tags: nostr.Tags{{"description", "{}"}},
	}
	if _, _, err := parseReceipt(ev); err == nil {
		t.Fatal("expected error for receipt without bolt11")
	}
}

func TestParseReceipt_MissingDescription(t *testing.T) {
	ev := &nostr.Event{
		ID:   "receipt-3",
		Kind: nostr.KindZap,
		Tags: nostr.Tags{{"bolt11", "lnbc210n1pabcdef"}},
	}
	if _, _, err := parseReceipt(ev); err == nil {
		t.Fatal("expected error for receipt without description")
	}
}

func TestParseReceipt_FallsBackToRequestPubkey(t *testing.T) {
	zapRequest := nostr.Event{
		PubKey:  "buyer-pubkey",
		Kind:    nostr.KindZapRequest,
		Content: "not json",
	}
	description, _ := json.Marshal(zapRequest)
	ev := &nostr.Event{
		ID:   "receipt-4",
		Kind: nostr.KindZap,
		Tags: nostr.Tags{
			{"bolt11", "lnbc210n1pabcdef"},
			{"description", string(description)},
		},
	}

	receiver, _, err := parseReceipt(ev)
	if err != nil {
		t.Fatalf("parseReceipt: %v", err)
	}
	if receiver != "buyer-pubkey" {
		t.Errorf("receiver = %q, want the zap request pubkey", receiver)
	}
}
