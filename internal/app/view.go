package app

import (
	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/device"
)

// View is everything the UI renders from.
type View struct {
	Principal    *auth.Principal   `json:"principal"`
	Capabilities auth.Capabilities `json:"capabilities"`
	AdminState   auth.AdminState   `json:"admin_state,omitempty"`

	Device  *device.Device `json:"device"`
	Online  bool           `json:"online"`
	Loading bool           `json:"loading"`

	// Error is the user-facing text for the current degraded state.
	Error     string      `json:"error,omitempty"`
	ErrorKind apperr.Kind `json:"error_kind,omitempty"`

	// StoreAvailable is false while the device store or its change feed
	// cannot be reached.
	StoreAvailable bool `json:"store_available"`

	// Feeding drives the short "feeding" animation after a feed is queued.
	// It does not mean the device has dispensed anything.
	Feeding bool `json:"feeding"`

	// PendingFeeds counts queued feeds with no feeding event yet.
	PendingFeeds int `json:"pending_feeds"`

	UnreadNotifications int `json:"unread_notifications"`
}

// SignedIn reports whether a principal is present.
func (v View) SignedIn() bool {
	return v.Principal != nil
}

func (c *Client) buildView() View {
	p := c.deps.Session.CurrentPrincipal()
	v := View{
		Principal:           p,
		Capabilities:        auth.CapabilitiesFor(p),
		Device:              c.cache.Current(),
		Loading:             c.cache.Loading(),
		StoreAvailable:      c.cache.StoreAvailable(),
		Feeding:             c.dispatcher.Feeding(),
		PendingFeeds:        len(c.tracker.Pending()),
		UnreadNotifications: c.deps.Notifications.Unread(),
	}
	if p != nil {
		v.AdminState = auth.AdminStateOf(p)
	}
	v.Online = device.IsOnline(v.Device, c.now())

	err := c.deps.Session.Err()
	if err == nil {
		err = c.cache.Err()
	}
	if err != nil {
		v.Error = apperr.Message(err)
		v.ErrorKind = apperr.KindOf(err)
	}
	return v
}
