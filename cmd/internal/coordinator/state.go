package coordinator

import "time"

// Direction angles published for the coarse left/right signal.
const (
	AngleRight = 90.0
	AngleLeft  = -90.0
)

// State is the observable session snapshot. Values are immutable once published.
type State struct {
	PeerName     string `json:"peer_name"`
	PeerDeviceID string `json:"peer_device_id,omitempty"`
	PeerState    string `json:"peer_state"`
	SessionState string `json:"session_state"`

	// Distance is nil until the first update of a bound session.
	Distance *float64 `json:"distance,omitempty"`

	DirectionAvailable bool `json:"direction_available"`

	// DirectionAngle is non-nil only when DirectionAvailable is true.
	DirectionAngle *float64 `json:"direction_angle,omitempty"`

	ConnectionLost   bool `json:"connection_lost"`
	InvitationClosed bool `json:"invitation_closed"`

	Started   bool      `json:"started"`
	UpdatedAt time.Time `json:"updated_at"`
}

func angleFor(x float64) float64 {
	if x > 0 {
		return AngleRight
	}
	return AngleLeft
}

func floatPtr(v float64) *float64 { return &v }
