package websocket

// Message types pushed over the socket.
const (
	TypeLicenseState  = "license:state"
	TypeTransferEvent = "license:transfer"
)

// LicenseStateUpdate mirrors the status payload the HTTP API serves, so
// the UI can react without polling.
type LicenseStateUpdate struct {
	Status         string `json:"status"`
	LicenseKey     string `json:"license_key,omitempty"`
	Message        string `json:"message,omitempty"`
	DaysRemaining  int    `json:"days_remaining,omitempty"`
	InGracePeriod  bool   `json:"in_grace_period,omitempty"`
	ValidationMode string `json:"validation_mode,omitempty"`
}

// TransferEvent announces lifecycle changes of a hardware transfer.
type TransferEvent struct {
	TransferID string `json:"transfer_id"`
	Event      string `json:"event"`
	Status     string `json:"status"`
}

// Notifier is the narrow surface the service layer uses to push updates.
// A nil *HubNotifier is safe to call, which keeps the services testable
// without a running hub.
type Notifier interface {
	NotifyLicenseState(update LicenseStateUpdate)
	NotifyTransfer(event TransferEvent)
}

// HubNotifier adapts the hub to the Notifier interface.
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier wraps a hub for use by the service layer.
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) NotifyLicenseState(update LicenseStateUpdate) {
	if n == nil || n.hub == nil {
		return
	}
	n.hub.Broadcast(TypeLicenseState, update)
}

func (n *HubNotifier) NotifyTransfer(event TransferEvent) {
	if n == nil || n.hub == nil {
		return
	}
	n.hub.Broadcast(TypeTransferEvent, event)
}
