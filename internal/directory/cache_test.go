package directory

import (
	"testing"
	"time"

	"github.com/el-tor/eltord/internal/descriptor"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	c := &Cache{Dir: t.TempDir()}
	relays := []descriptor.RelayDescriptor{
		{Fingerprint: "AAAA", Address: "1.2.3.4", ORPort: 9001, RateMsats: 10, MaxRounds: 10},
	}

	if err := c.Save(relays, time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok := c.Load()
	if !ok {
		t.Fatal("Load() ok = false, want true")
	}
	if len(got) != 1 || got[0].Fingerprint != "AAAA" {
		t.Fatalf("Load() = %+v", got)
	}
}

func TestLoadExpired(t *testing.T) {
	c := &Cache{Dir: t.TempDir()}
	if err := c.Save(nil, time.Nanosecond); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, ok := c.Load(); ok {
		t.Fatal("Load() ok = true for expired cache, want false")
	}
}

func TestLoadMissing(t *testing.T) {
	c := &Cache{Dir: t.TempDir()}
	if _, ok := c.Load(); ok {
		t.Fatal("Load() ok = true for missing cache, want false")
	}
}
