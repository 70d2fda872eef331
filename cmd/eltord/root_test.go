package main

import (
	"testing"

	"github.com/el-tor/eltord/internal/paymentid"
)

func TestSplitFields(t *testing.T) {
	got := splitFields("CIRC circ-1 BUILT extra")
	want := []string{"CIRC", "circ-1", "BUILT", "extra"}
	if len(got) != len(want) {
		t.Fatalf("splitFields() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitFields()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecodeConcatIDsRoundTrip(t *testing.T) {
	ids, err := paymentid.Generate(3)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	blob := paymentid.Concat(ids)
	hexBlob := make([]byte, 0, len(blob)*2)
	const hextable = "0123456789abcdef"
	for _, b := range blob {
		hexBlob = append(hexBlob, hextable[b>>4], hextable[b&0x0f])
	}

	decoded, err := decodeConcatIDs(string(hexBlob))
	if err != nil {
		t.Fatalf("decodeConcatIDs() error = %v", err)
	}
	if len(decoded) != len(ids) {
		t.Fatalf("decodeConcatIDs() len = %d, want %d", len(decoded), len(ids))
	}
	for i := range ids {
		if decoded[i] != ids[i] {
			t.Fatalf("decodeConcatIDs()[%d] = %x, want %x", i, decoded[i], ids[i])
		}
	}
}

func TestDecodeConcatIDsRejectsBadLength(t *testing.T) {
	if _, err := decodeConcatIDs("abcd"); err == nil {
		t.Fatal("decodeConcatIDs() error = nil, want length error")
	}
}

func TestDecodeConcatIDsRejectsOddLengthHex(t *testing.T) {
	if _, err := decodeConcatIDs("abc"); err == nil {
		t.Fatal("decodeConcatIDs() error = nil, want odd-length hex error")
	}
}

func TestNewRootCmdRejectsUnknownMode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"bogus"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("Execute() error = nil, want unknown mode error")
	}
}
