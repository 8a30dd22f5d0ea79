package game

// Error taxonomy shared by both transports. Callers map these onto transport
// responses (HTTP status, error envelopes); nothing here is retried
// automatically.
var (
	ErrInvalidRequest     = errf("invalid request")
	ErrRoomNotFound       = errf("room not found")
	ErrNotParticipant     = errf("not a participant of this room")
	ErrOutOfTurn          = errf("not your turn")
	ErrIllegalMove        = errf("illegal move")
	ErrGameOver           = errf("game already finished")
	ErrStorageUnavailable = errf("storage unavailable")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
