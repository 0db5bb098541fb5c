package mongostore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/domonda/go-pollqueue"
)

func TestStoreError(t *testing.T) {
	assert.NoError(t, storeError(nil))

	driverErr := errors.New("connection reset by peer")
	err := storeError(driverErr)
	assert.ErrorIs(t, err, pollqueue.ErrStoreUnavailable)
	assert.ErrorIs(t, err, driverErr)

	assert.Equal(t, pollqueue.ErrStoreUnavailable, storeError(pollqueue.ErrStoreUnavailable), "not wrapped twice")
}
