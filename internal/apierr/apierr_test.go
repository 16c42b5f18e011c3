package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKind(t *testing.T) {
	base := NotFound("cert %s", "abc")
	wrapped := Wrap("", base, "issue failed")

	require.True(t, Is(wrapped, KindNotFound))
	assert.Contains(t, wrapped.Error(), "issue failed")
	assert.Contains(t, wrapped.Error(), "cert abc")
}

func TestWrapOverridesKindWhenGiven(t *testing.T) {
	base := NotFound("cert %s", "abc")
	wrapped := Wrap(KindExternal, base, "cloud dns upsert failed")

	assert.True(t, Is(wrapped, KindExternal))
	assert.False(t, Is(wrapped, KindNotFound))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindIO, nil, "no cause"))
}

func TestUnwrap(t *testing.T) {
	root := errors.New("disk full")
	wrapped := IO(root, "write failed")
	assert.ErrorIs(t, wrapped, root)
}

func TestWithDetails(t *testing.T) {
	base := Validation("bad domain")
	withDetails := base.WithDetails(map[string]string{"domain": "*."})
	assert.Equal(t, "bad domain", base.Message)
	assert.NotNil(t, withDetails.Details)
}
