package invoicebased

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/el-tor/eltord/internal/paymentid"
)

func TestPayConvertsMsatsToSats(t *testing.T) {
	b := NewBackend("http://127.0.0.1:0", "cookie")

	ids, err := paymentid.Generate(1)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id := ids[0]

	if _, err := b.Pay(context.Background(), "", 2500, id); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}

	hash := sha256.Sum256(id[:])
	hashHex := fmt.Sprintf("%x", hash)

	b.mu.Lock()
	rec, ok := b.invoices[hashHex]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("invoice record not found for %s", hashHex)
	}
	if rec.AmountMsats != 2500 {
		t.Fatalf("rec.AmountMsats = %d, want 2500", rec.AmountMsats)
	}
	if want := "3"; rec.NativeAmount.String() != want {
		t.Fatalf("rec.NativeAmount = %s, want %s (2500 msats rounds up to 3 sats)", rec.NativeAmount.String(), want)
	}
}
