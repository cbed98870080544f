package coordinator

// Observer receives counters for the coordinator's decisions. Implementations must not block.
type Observer interface {
	Admission(outcome string)
	Exchange(event string)
	Engine(kind string)
	Distance(meters float64)
	Connected(connected bool)
}

// Exchange event names reported to Observer.
const (
	ExchangeTokenSent        = "token_sent"
	ExchangeTokenReceived    = "token_received"
	ExchangeIdentitySent     = "identity_sent"
	ExchangeIdentityReceived = "identity_received"
	ExchangeSendFailed       = "send_failed"
	ExchangeCodecError       = "codec_error"
	ExchangeForeignSender    = "foreign_sender"
	ExchangeRebound          = "rebound"
)

type nopObserver struct{}

func (nopObserver) Admission(string) {}
func (nopObserver) Exchange(string) {}
func (nopObserver) Engine(string) {}
func (nopObserver) Distance(float64) {}
func (nopObserver) Connected(bool) {}
