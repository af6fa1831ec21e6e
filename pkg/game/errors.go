package game

import (
	"errors"
	"net/http"

	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/tape"
)

var (
	ErrSessionNotFound      = errors.New("game not found")
	ErrAlreadyRunning       = errors.New("game already started")
	ErrAlreadyPlayedToday   = errors.New("game already played today")
	ErrTimeRestricted       = errors.New("game is not available at this time")
	ErrInvalidState         = errors.New("invalid game state")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInsufficientHoldings = errors.New("cannot sell more than held")
	ErrMemberNotFound       = errors.New("member not found")
	ErrTransport            = errors.New("transport error")

	ErrDataNotFound        = tape.ErrDataNotFound
	ErrInsufficientBalance = storage.ErrInsufficientBalance
)

type errorCode struct {
	err    error
	code   string
	status int
}

var errorCodes = []errorCode{
	{ErrSessionNotFound, "GAME_NOT_FOUND", http.StatusNotFound},
	{ErrAlreadyRunning, "GAME_ALREADY_STARTED", http.StatusConflict},
	{ErrAlreadyPlayedToday, "GAME_ALREADY_PLAYED", http.StatusConflict},
	{ErrTimeRestricted, "INVALID_GAME_TIME", http.StatusForbidden},
	{ErrInvalidState, "INVALID_GAME_STATE", http.StatusConflict},
	{ErrDataNotFound, "DATA_NOT_FOUND", http.StatusNotFound},
	{ErrInvalidQuantity, "INVALID_QUANTITY", http.StatusBadRequest},
	{ErrInsufficientHoldings, "INSUFFICIENT_HOLDINGS", http.StatusBadRequest},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE", http.StatusBadRequest},
	{ErrMemberNotFound, "MEMBER_NOT_FOUND", http.StatusNotFound},
	{ErrTransport, "TRANSPORT_ERROR", http.StatusBadGateway},
	{tape.ErrDataMismatch, "STOCK_DATA_MISMATCH", http.StatusInternalServerError},
}

// CodeOf maps an error to its stable code and HTTP status.
// Unknown errors are INTERNAL_ERROR / 500.
func CodeOf(err error) (string, int) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "INTERNAL_ERROR", http.StatusInternalServerError
}
