package errors

import "net/http"

// HTTPStatus maps an error to the status code the HTTP adapter responds with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindInvalid, KindOverflow:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindInvalidOrderState:
		return http.StatusConflict
	case KindUnavailable, KindTradeExecutionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Problem is the JSON body rendered for a failed request.
type Problem struct {
	Status  int          `json:"status"`
	Kind    string       `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// ToProblem converts err for rendering. Errors of unknown kind carry a
// generic message so internal details do not leak.
func ToProblem(err error) Problem {
	p := Problem{Status: HTTPStatus(err), Kind: KindOf(err)}
	var e *Error
	if As(err, &e) && p.Status != http.StatusInternalServerError {
		p.Message = e.Message
		p.Fields = e.Fields
		if p.Message == "" {
			p.Message = http.StatusText(p.Status)
		}
		return p
	}
	p.Message = http.StatusText(p.Status)
	return p
}
