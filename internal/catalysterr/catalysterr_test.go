package catalysterr_test

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
)

func TestNotFound_IsRecognizedByErrdefsAndHelper(t *testing.T) {
	err := catalysterr.NotFound("key", nil)
	require.True(t, errdefs.IsNotFound(err))
	require.True(t, catalysterr.IsNotFound(err))
	require.Equal(t, "not_found", catalysterr.CodeOf(err))
}

func TestNotFound_PreservesCause(t *testing.T) {
	cause := errors.New("row missing")
	err := catalysterr.NotFound("key", cause)
	require.True(t, catalysterr.IsNotFound(err))
	require.ErrorIs(t, err, cause)
}

func TestAlreadyExists_IsRecognized(t *testing.T) {
	err := catalysterr.AlreadyExists("org slug")
	require.True(t, catalysterr.IsAlreadyExists(err))
	require.Equal(t, "already_exists", catalysterr.CodeOf(err))
}

func TestUnavailable_IsRetryable(t *testing.T) {
	err := catalysterr.Unavailable("upstream timeout", errors.New("dial tcp: i/o timeout"))
	require.True(t, catalysterr.Retryable(err))
}

func TestNew_IsNotRetryableByDefault(t *testing.T) {
	err := catalysterr.New("invalid_argument", "bad input")
	require.False(t, catalysterr.Retryable(err))
}

func TestAsRetryable_MarksExistingError(t *testing.T) {
	err := catalysterr.New("custom", "something").AsRetryable()
	require.True(t, catalysterr.Retryable(err))
}

func TestWithDetails_AttachesDetails(t *testing.T) {
	err := catalysterr.InvalidArgument("scopes must not be empty").WithDetails(map[string]any{"field": "scopes"})
	require.Equal(t, map[string]any{"field": "scopes"}, err.Details)
}

func TestCodeOf_NonCatalystError_ReturnsEmpty(t *testing.T) {
	require.Equal(t, "", catalysterr.CodeOf(errors.New("plain")))
}

func TestFailedPrecondition_IsRecognized(t *testing.T) {
	err := catalysterr.FailedPrecondition("delivery is not pending")
	require.True(t, errdefs.IsFailedPrecondition(err))
}
