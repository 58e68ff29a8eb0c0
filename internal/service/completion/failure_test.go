package completion

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{Offset: 1}

	cases := []struct {
		name   string
		err    error
		kind   FailureKind
		status int
		desc   string
	}{
		{
			name: "missing credential",
			err:  errors.Wrap(ErrCredentialMissing, "stream"),
			kind: KindCredential,
			desc: "API key is not set",
		},
		{
			name:   "rejected key",
			err:    errors.Wrap(&openai.APIError{HTTPStatusCode: 401, Message: "Incorrect API key provided"}, "open stream"),
			kind:   KindCredential,
			status: 401,
			desc:   "Incorrect API key provided (status 401)",
		},
		{
			name:   "server error",
			err:    &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("eof")},
			kind:   KindStatus,
			status: 502,
			desc:   "Bad Gateway (status 502)",
		},
		{
			name: "decode",
			err:  errors.Wrap(syntaxErr, "read stream"),
			kind: KindDecode,
		},
		{
			name: "network",
			err:  errors.Wrap(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, "open stream"),
			kind: KindNetwork,
			desc: "dial tcp: connection refused",
		},
		{
			name: "unknown",
			err:  errors.Wrap(errors.New("boom"), "open stream"),
			kind: KindUnknown,
			desc: "boom",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			failure := Classify(tc.err)
			assert.Equal(t, tc.kind, failure.Kind)
			assert.Equal(t, tc.status, failure.Status)
			if tc.desc != "" {
				assert.Equal(t, tc.desc, failure.Error())
			}
			assert.NotEmpty(t, failure.Error())
		})
	}
}

func TestClassifyKeepsExistingFailure(t *testing.T) {
	original := &RequestFailure{Kind: KindNetwork, Description: "offline"}
	assert.Same(t, original, Classify(errors.Wrap(original, "outer")))
}
