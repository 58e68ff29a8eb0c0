package completion

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// ErrCredentialMissing is reported when an exchange is attempted without an API key.
var ErrCredentialMissing = errors.New("API key is not set")

// FailureKind is a coarse category for logging and tracing. Listeners only ever
// see the description.
type FailureKind string

const (
	KindCredential FailureKind = "credential"
	KindStatus     FailureKind = "status"
	KindNetwork    FailureKind = "network"
	KindDecode     FailureKind = "decode"
	KindUnknown    FailureKind = "unknown"
)

// RequestFailure is any condition that prevented a full response.
type RequestFailure struct {
	Kind        FailureKind
	Status      int
	Description string
	Err         error
}

func (e *RequestFailure) Error() string {
	return e.Description
}

func (e *RequestFailure) Unwrap() error {
	return e.Err
}

// Classify collapses err into a RequestFailure with the most readable description available.
func Classify(err error) *RequestFailure {
	var failure *RequestFailure
	if errors.As(err, &failure) {
		return failure
	}

	if errors.Is(err, ErrCredentialMissing) {
		return &RequestFailure{Kind: KindCredential, Description: ErrCredentialMissing.Error(), Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusFailure(apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := http.StatusText(reqErr.HTTPStatusCode)
		if message == "" && reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return statusFailure(reqErr.HTTPStatusCode, message, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &RequestFailure{
			Kind:        KindDecode,
			Description: "malformed response stream: " + errors.Cause(err).Error(),
			Err:         err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RequestFailure{Kind: KindNetwork, Description: errors.Cause(err).Error(), Err: err}
	}

	return &RequestFailure{Kind: KindUnknown, Description: errors.Cause(err).Error(), Err: err}
}

func statusFailure(status int, message string, err error) *RequestFailure {
	kind := KindStatus
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = KindCredential
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = errors.Cause(err).Error()
	}
	if status == 0 {
		return &RequestFailure{Kind: kind, Description: message, Err: err}
	}

	return &RequestFailure{
		Kind:        kind,
		Status:      status,
		Description: fmt.Sprintf("%s (status %d)", message, status),
		Err:         err,
	}
}
