package beeps

// Wire types for the sync protocol. Push bodies and pull responses are a
// bare JSON array of timestamped operations; everything else is a small
// named object.

// RegisterRequest creates an account and its document.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest authenticates an existing account.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries the bearer token for future requests.
type TokenResponse struct {
	Token string `json:"token"`
}

// WhoamiResponse identifies the authenticated principal.
type WhoamiResponse struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
}

// PullRequest asks for every op strictly above the per-node watermarks.
// Nodes absent from the map are returned in full.
type PullRequest struct {
	Since map[NodeID]Watermark `json:"since"`
}

// ErrorResponse is the JSON body on every 4xx/5xx.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WatchEvent is pushed over the watch socket when another replica's ops
// land on the server, so peers can pull immediately.
type WatchEvent struct {
	Type string `json:"type"`
	Ops  int    `json:"ops"`
}
