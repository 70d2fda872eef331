package descriptor

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		d       RelayDescriptor
		wantErr bool
	}{
		{
			name: "valid free relay",
			d: RelayDescriptor{
				Fingerprint: "ABCD1234", Address: "1.2.3.4", ORPort: 9001,
				RateMsats: 0, MaxRounds: 10,
			},
		},
		{
			name:    "missing fingerprint",
			d:       RelayDescriptor{Address: "1.2.3.4", ORPort: 9001},
			wantErr: true,
		},
		{
			name:    "rounds exceed protocol limit",
			d:       RelayDescriptor{Fingerprint: "F", Address: "1.2.3.4", ORPort: 9001, MaxRounds: 11},
			wantErr: true,
		},
		{
			name:    "handshake fee without offer",
			d:       RelayDescriptor{Fingerprint: "F", Address: "1.2.3.4", ORPort: 9001, HandshakeFee: 500},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPerHopCeilingIncludesHandshakeFee(t *testing.T) {
	d := RelayDescriptor{RateMsats: 100, HandshakeFee: 50}
	if got, want := d.PerHopCeiling(10), int64(1050); got != want {
		t.Fatalf("PerHopCeiling() = %d, want %d", got, want)
	}
}

func TestCanonicalFingerprint(t *testing.T) {
	if got, want := CanonicalFingerprint("ab cd 12 34"), "ABCD1234"; got != want {
		t.Fatalf("CanonicalFingerprint() = %q, want %q", got, want)
	}
}
