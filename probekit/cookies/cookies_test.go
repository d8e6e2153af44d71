package cookies

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactJSON(t *testing.T) {
	t.Parallel()

	t.Run("simple_object", func(t *testing.T) {
		got := compactJSON(map[string]interface{}{"alg": "HS256"})
		assert.Equal(t, `{"alg":"HS256"}`, got)
	})
	t.Run("nil_map", func(t *testing.T) {
		assert.Equal(t, "null", compactJSON(nil))
	})
}

func TestSignatureNote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "present (not verified)", signatureNote(true))
	assert.Equal(t, "absent", signatureNote(false))
}

func TestDomainCount(t *testing.T) {
	t.Parallel()

	t.Run("singular", func(t *testing.T) {
		assert.Equal(t, "1 domain", domainCount(1))
	})
	t.Run("plural", func(t *testing.T) {
		assert.Equal(t, "3 domains", domainCount(3))
	})
	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "0 domains", domainCount(0))
	})
}
