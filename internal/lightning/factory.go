package lightning

import (
	"fmt"

	"github.com/el-tor/eltord/internal/config"
	"github.com/el-tor/eltord/internal/lightning/invoicebased"
	"github.com/el-tor/eltord/internal/lightning/offerbolt12"
	"github.com/el-tor/eltord/internal/lightning/offerbolt12alt"
)

// BuildSet instantiates one Backend per configured
// PaymentLightningNodeConfig directive and returns them keyed by type
// tag, along with the default backend's tag.
func BuildSet(backends []config.LightningBackendConfig) (set map[string]Backend, defaultTag string, err error) {
	set = make(map[string]Backend, len(backends))
	for _, b := range backends {
		backend, err := build(b)
		if err != nil {
			return nil, "", fmt.Errorf("lightning: backend %s: %w", b.Type, err)
		}
		set[b.Type] = backend
		if b.Default {
			defaultTag = b.Type
		}
	}
	if defaultTag == "" {
		for tag := range set {
			defaultTag = tag
			break
		}
	}
	return set, defaultTag, nil
}

func build(b config.LightningBackendConfig) (Backend, error) {
	switch b.Type {
	case "offerbolt12":
		client, err := offerbolt12.Dial(b.URL)
		if err != nil {
			return nil, err
		}
		return offerbolt12.NewBackend(client), nil
	case "offerbolt12alt":
		return offerbolt12alt.NewBackend(b.URL, b.Credentials), nil
	case "invoicebased":
		return invoicebased.NewBackend(b.URL, b.Credentials), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", b.Type)
	}
}
