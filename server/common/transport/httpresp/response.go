package httpresp

import "time"

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrNotFound           = "not found"
	ErrInternal           = "internal error"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type IDResponse struct {
	ID string `json:"id"`
}

// StatusResponse carries a user-visible status line, used by workflows that
// report progress or failure as text.
type StatusResponse struct {
	Status string `json:"status"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	SubjectID   string    `json:"subject_id"`
	Provider    string    `json:"provider"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewIDResponse(id string) IDResponse {
	return IDResponse{ID: id}
}

func NewStatusResponse(status string) StatusResponse {
	return StatusResponse{Status: status}
}

func NewTokenResponse(accessToken, subjectID, provider string, expiresAt time.Time) TokenResponse {
	return TokenResponse{AccessToken: accessToken, SubjectID: subjectID, Provider: provider, ExpiresAt: expiresAt}
}
