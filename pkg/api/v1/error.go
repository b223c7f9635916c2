package v1

// ErrorResponse is the error envelope every REST endpoint uses.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
