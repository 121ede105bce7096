package feed

import "time"

// Events sent by clients.
const (
	EventLogin        = "login"
	EventNewTuit      = "newTuit"
	EventLoadNewTuits = "loadNewTuits"
)

// Events sent by the server.
const (
	EventLoginAck         = "login"
	EventInitialTuits     = "initialTuits"
	EventTuit             = "tuit"
	EventNewTuitAvailable = "newTuitAvailable"
	EventNewTuits         = "newTuits"
	EventError            = "error"
)

// Conn is a live client connection as seen by the core. Emit queues an event
// for delivery in call order and must not block on the network.
type Conn interface {
	ID() string
	Emit(event string, payload any) error
}

// LoginPayload is the body of a login request.
type LoginPayload struct {
	Nickname string `json:"nickname"`
}

// LoginAck answers a login request.
type LoginAck struct {
	Success  bool   `json:"success"`
	Nickname string `json:"nickname,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NewTuitPayload is the body of a newTuit request.
type NewTuitPayload struct {
	Text string `json:"text"`
}

// LoadNewTuitsPayload is the body of a loadNewTuits request.
type LoadNewTuitsPayload struct {
	LastTimestamp time.Time `json:"lastTimestamp"`
}

// ErrorPayload reports a failed request to the connection that sent it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFor builds the error payload for err.
func ErrorFor(err error) ErrorPayload {
	return ErrorPayload{Code: Code(err), Message: Message(err)}
}
