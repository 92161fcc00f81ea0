// ABOUTME: Platform descriptor registry mapping each platform to its config shape
// ABOUTME: Resolved once at startup; no runtime type-dispatch on the platform enum

package channel

import (
	"fmt"

	"github.com/convogrid/convogrid/internal/store"
)

// Descriptor declares how a platform's channels are configured: whether
// the platform is global (one active channel per team), which extra_data
// key uniquely identifies a channel of the platform across teams, and
// which extra_data keys are required.
type Descriptor struct {
	Platform      store.Platform
	Global        bool
	IdentifierKey string
	RequiredKeys  []string
}

// Validate checks that every required extra_data key is a non-empty string.
func (d Descriptor) Validate(extraData map[string]any) error {
	for _, key := range d.RequiredKeys {
		v, ok := extraData[key]
		if !ok {
			return fmt.Errorf("missing required config key %q for platform %s", key, d.Platform)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("config key %q for platform %s is empty", key, d.Platform)
		}
	}
	return nil
}

// descriptors is the startup-time platform registry.
var descriptors = map[store.Platform]Descriptor{
	store.PlatformTelegram: {
		Platform:      store.PlatformTelegram,
		IdentifierKey: "bot_token",
		RequiredKeys:  []string{"bot_token"},
	},
	store.PlatformWhatsApp: {
		Platform:      store.PlatformWhatsApp,
		IdentifierKey: "number",
		RequiredKeys:  []string{"number"},
	},
	store.PlatformFacebook: {
		Platform:      store.PlatformFacebook,
		IdentifierKey: "page_id",
		RequiredKeys:  []string{"page_id"},
	},
	store.PlatformSureAdhere: {
		Platform:      store.PlatformSureAdhere,
		IdentifierKey: "sureadhere_tenant_id",
		RequiredKeys:  []string{"sureadhere_tenant_id"},
	},
	store.PlatformSlack: {
		Platform:      store.PlatformSlack,
		IdentifierKey: "slack_channel_id",
		RequiredKeys:  []string{"slack_channel_id"},
	},
	store.PlatformCommCareConnect: {
		Platform:      store.PlatformCommCareConnect,
		IdentifierKey: "commcare_connect_bot_name",
		RequiredKeys:  []string{"commcare_connect_bot_name"},
	},
	store.PlatformEmbeddedWidget: {
		Platform:      store.PlatformEmbeddedWidget,
		IdentifierKey: "widget_token",
		RequiredKeys:  []string{"widget_token"},
	},
	store.PlatformAPI: {
		Platform: store.PlatformAPI,
		Global:   true,
	},
	store.PlatformWeb: {
		Platform: store.PlatformWeb,
		Global:   true,
	},
	store.PlatformEvaluations: {
		Platform: store.PlatformEvaluations,
		Global:   true,
	},
}

// DescriptorFor returns the descriptor for a platform.
func DescriptorFor(platform store.Platform) (Descriptor, error) {
	d, ok := descriptors[platform]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown platform %q", platform)
	}
	return d, nil
}

// GlobalPlatforms returns the platforms limited to one active channel per team.
func GlobalPlatforms() []store.Platform {
	return []store.Platform{store.PlatformAPI, store.PlatformWeb, store.PlatformEvaluations}
}
