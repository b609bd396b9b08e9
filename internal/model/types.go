package model

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Settings     map[string]any
	Devices      []Device
	CreatedAt    int64
	LastLoginAt  int64
}

type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

type Device struct {
	ID         string
	UserID     string
	Name       string
	Type       DeviceType
	Platform   string
	LastSeenAt int64
	Trusted    bool
	PublicKey  string
}

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionInactive SessionStatus = "inactive"
)

type Session struct {
	ID               string
	UserID           string
	DeviceID         string
	WorkingDirectory string
	Environment      map[string]string
	Status           SessionStatus
	Settings         map[string]any
	CreatedAt        int64
	LastActivityAt   int64
}
