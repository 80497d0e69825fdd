package sentryz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSN(t *testing.T) {
	t.Run("Parses a plain DSN", func(t *testing.T) {
		dsn, err := ParseDSN("https://pk@example.ingest.sentry.io/42")
		require.NoError(t, err)
		assert.Equal(t, "pk", dsn.PublicKey)
		assert.Equal(t, "42", dsn.ProjectID)
		assert.Equal(t, "https://example.ingest.sentry.io", dsn.Upstream())
		assert.Equal(t, "https://example.ingest.sentry.io/api/42/envelope/", dsn.EnvelopeURL())
		assert.Equal(t, "https://pk@example.ingest.sentry.io/42", dsn.String())
	})

	t.Run("Keeps port and path prefix", func(t *testing.T) {
		dsn, err := ParseDSN("http://key@localhost:9000/sentry/7")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:9000/sentry", dsn.Upstream())
		assert.Equal(t, "http://localhost:9000/sentry/api/7/envelope/", dsn.EnvelopeURL())
	})

	t.Run("Is deterministic", func(t *testing.T) {
		a, err := ParseDSN(testDSN)
		require.NoError(t, err)
		b, err := ParseDSN(testDSN)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("Rejects malformed input", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"not a dsn",
			"ftp://pk@host/1",
			"https://host/1",
			"https://pk@/1",
			"https://pk@host",
			"https://pk@host/",
		} {
			_, err := ParseDSN(raw)
			assert.ErrorIs(t, err, ErrInvalidDSN, raw)
		}
	})
}
