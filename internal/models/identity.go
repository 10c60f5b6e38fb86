package models

// AccountState is the persisted account mode of this device.
type AccountState string

const (
	StateGuest                AccountState = "guest"
	StateTransitioningUpgrade AccountState = "transitioning_upgrade"
	StateTransitioningWipe    AccountState = "transitioning_wipe"
	StateAuthenticated        AccountState = "authenticated"
)

// Transitioning reports whether the state is an in-flight account transition.
func (s AccountState) Transitioning() bool {
	return s == StateTransitioningUpgrade || s == StateTransitioningWipe
}

// Identity is the singleton account identity row. DeviceID survives sign-out.
type Identity struct {
	State     AccountState `json:"state"`
	AccountID string       `json:"account_id,omitempty"`
	DeviceID  string       `json:"device_id"`
}

// OwnerID is the owner stamped on local records: empty for guest scope.
func (i Identity) OwnerID() string {
	if i.State == StateGuest {
		return ""
	}
	return i.AccountID
}
