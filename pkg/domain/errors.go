package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrEmptyContent        = NewErr("EMPTY_CONTENT", "message content is empty", http.StatusBadRequest)
	ErrContentTooLong      = NewErr("CONTENT_TOO_LONG", "message content too long", http.StatusRequestEntityTooLarge)
	ErrSubmissionPending   = NewErr("SUBMISSION_PENDING", "a submission is already in flight", http.StatusConflict)
	ErrBoardNotConfigured  = NewErr("BOARD_NOT_CONFIGURED", "board address is not configured", http.StatusServiceUnavailable)
	ErrMalformedValue      = NewErr("MALFORMED_VALUE", "value is not a well-formed identifier", http.StatusBadRequest)
	ErrWrongDestination    = NewErr("WRONG_DESTINATION", "handle was sealed for another board", http.StatusBadRequest)
	ErrInvalidProof        = NewErr("INVALID_PROOF", "input proof verification failed", http.StatusBadRequest)
	ErrHandleUsed          = NewErr("HANDLE_USED", "handle already attached to a message", http.StatusConflict)
	ErrMessageDoesNotExist = NewErr("MESSAGE_DOES_NOT_EXIST", "message does not exist", http.StatusNotFound)
	ErrHandleUnknown       = NewErr("HANDLE_UNKNOWN", "handle unknown", http.StatusNotFound)
	ErrHandleNotFinalized  = NewErr("HANDLE_NOT_FINALIZED", "handle not finalized", http.StatusConflict)
	ErrMalformedReveal     = NewErr("MALFORMED_REVEAL", "revealed value is malformed", http.StatusBadGateway)
	ErrMalformedRecord     = NewErr("MALFORMED_RECORD", "ledger record is malformed", http.StatusBadGateway)
	ErrInvalidSignature    = NewErr("INVALID_SIGNATURE", "author signature invalid", http.StatusUnauthorized)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrServiceUnavailable  = NewErr("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

var registry = map[string]*Err{}

func init() {
	for _, e := range []*Err{
		ErrEmptyContent, ErrContentTooLong, ErrSubmissionPending, ErrBoardNotConfigured,
		ErrMalformedValue, ErrWrongDestination, ErrInvalidProof, ErrHandleUsed,
		ErrMessageDoesNotExist, ErrHandleUnknown, ErrHandleNotFinalized, ErrMalformedReveal,
		ErrMalformedRecord, ErrInvalidSignature, ErrInvalidRequest, ErrRateLimitExceeded,
		ErrServiceUnavailable, ErrInternalServer,
	} {
		registry[e.Code] = e
	}
}

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ByCode maps a wire error code back to its sentinel.
func ByCode(code string) (*Err, bool) {
	e, ok := registry[code]
	return e, ok
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	var e *Err
	if errors.As(err, &e) {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	var e *Err
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Kind is the failure category a caller branches on.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation"
	KindSealing    Kind = "sealing"
	KindLedger     Kind = "ledger"
	KindReveal     Kind = "reveal"
)

// Failure tags an error with the protocol step that produced it.
type Failure struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Kind, f.Op, f.Err)
}
func (f *Failure) Unwrap() error { return f.Err }
func (f *Failure) Cause() error  { return f.Err }

func Fail(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost Failure in err's chain.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindNone
}
