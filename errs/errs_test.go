package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
)

func TestErrorStringIncludesParts(t *testing.T) {
	err := errs.New("binance", errs.CodeRequest,
		errs.WithHTTP(400),
		errs.WithMessage("order rejected"),
		errs.WithRawCode("-2010"),
		errs.WithRawMessage("Account has insufficient balance"),
	)
	msg := err.Error()
	require.Contains(t, msg, "venue=binance")
	require.Contains(t, msg, "code=request")
	require.Contains(t, msg, "http=400")
	require.Contains(t, msg, `raw_code="-2010"`)
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := errs.New("bus", errs.CodeTransport, errs.WithCause(cause))
	require.True(t, errors.Is(err, cause))
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := errs.New("okx", errs.CodeProtocol, errs.WithMessage("unknown status"))
	wrapped := fmt.Errorf("handle update: %w", inner)
	require.Equal(t, errs.CodeProtocol, errs.CodeOf(wrapped))
	require.True(t, errs.IsProtocol(wrapped))
	require.False(t, errs.IsConfig(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	require.Equal(t, errs.Code(""), errs.CodeOf(errors.New("plain")))
	require.Equal(t, errs.Code(""), errs.CodeOf(nil))
}

func TestNilEnvelope(t *testing.T) {
	var err *errs.E
	require.Equal(t, "<nil>", err.Error())
}
