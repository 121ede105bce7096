package feed

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidIdentity, CodeInvalidIdentity},
		{fmt.Errorf("%w: longer than 32 characters", ErrInvalidIdentity), CodeInvalidIdentity},
		{ErrIdentityInUse, CodeIdentityInUse},
		{ErrInvalidPost, CodeInvalidPost},
		{ErrNotLoggedIn, CodeNotLoggedIn},
		{ErrStorageUnavailable, CodeServerError},
		{fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.New("dial tcp: refused")), CodeServerError},
		{errors.New("boom"), CodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestMessageHidesServerErrors(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.New("dial tcp 10.0.0.3:6379: refused"))
	assert.Equal(t, "internal server error", Message(err))

	err = fmt.Errorf("%w: longer than 280 characters", ErrInvalidPost)
	assert.Equal(t, "invalid tuit: longer than 280 characters", Message(err))
}

func TestErrorFor(t *testing.T) {
	assert.Equal(t, ErrorPayload{Code: CodeIdentityInUse, Message: ErrIdentityInUse.Error()}, ErrorFor(ErrIdentityInUse))
}
