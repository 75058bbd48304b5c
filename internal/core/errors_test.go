package core

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Run("transport error with status", func(t *testing.T) {
		err := fmt.Errorf("listing: %w", &TransportError{Op: "GET", URL: "https://x", StatusCode: 503})
		assert.ErrorIs(t, err, ErrTransport)
		assert.NotErrorIs(t, err, ErrStructural)
		assert.Contains(t, err.Error(), "unexpected status 503")

		var te *TransportError
		assert.True(t, errors.As(err, &te))
		assert.Equal(t, 503, te.StatusCode)
	})

	t.Run("transport error unwraps cause", func(t *testing.T) {
		err := &TransportError{Op: "GET", URL: "https://x", Err: io.ErrUnexpectedEOF}
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("structural error message carries context", func(t *testing.T) {
		err := &StructuralError{Op: "open archive member", Subject: "inner.csv", Expected: "member present", Actual: "absent"}
		assert.ErrorIs(t, err, ErrStructural)
		assert.Equal(t, `open archive member "inner.csv": expected member present, got absent`, err.Error())
	})

	t.Run("configuration error", func(t *testing.T) {
		err := &ConfigurationError{Key: "datasets.foo", Msg: "no mapping"}
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Contains(t, err.Error(), "datasets.foo")
	})
}
