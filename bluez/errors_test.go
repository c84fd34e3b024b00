package bluez

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	t.Run("maps BlueZ error names", func(t *testing.T) {
		cases := map[string]ConnectionState{
			"org.bluez.Error.NotConnected":     NotConnected,
			"org.bluez.Error.AlreadyConnected": AlreadyConnected,
			"org.bluez.Error.NotReady":         NotReady,
			"org.bluez.Error.InProgress":       InProgress,
		}
		for name, state := range cases {
			err := NormalizeError(dbus.Error{Name: name})
			assert.True(t, IsConnectionState(err, state), "%s MUST map to %s", name, state)

			var derr dbus.Error
			assert.True(t, errors.As(err, &derr), "original error MUST stay in the chain")
		}
	})

	t.Run("pointer errors", func(t *testing.T) {
		err := NormalizeError(fmt.Errorf("call: %w", &dbus.Error{Name: "org.bluez.Error.NotConnected"}))
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		plain := errors.New("boom")
		assert.Same(t, plain, NormalizeError(plain))
		assert.Nil(t, NormalizeError(nil))

		failed := dbus.Error{Name: "org.bluez.Error.Failed"}
		assert.Equal(t, failed, NormalizeError(failed))
	})
}

func TestConnectionErrorIs(t *testing.T) {
	err := fmt.Errorf("connect: %w", &ConnectionError{State: NotConnected, Msg: "link lost"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, "connect: not_connected: link lost", err.Error())
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "device not found", (&NotFoundError{Resource: "device"}).Error())
	assert.Equal(t, `service "180d" not found`, (&NotFoundError{Resource: "service", UUIDs: []string{"180d"}}).Error())
	assert.Equal(t, `characteristic "2a37" not found in service "180d"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"180d", "2a37"}}).Error())
}

func TestPropertyName(t *testing.T) {
	for _, p := range []PropertyName{PropertyAlias, PropertyRSSI, PropertyServiceUUIDs, PropertyConnected} {
		got, ok := parsePropertyName(p.Key())
		assert.True(t, ok)
		assert.Equal(t, p, got)
	}

	_, ok := parsePropertyName("Paired")
	assert.False(t, ok, "untracked properties MUST NOT parse")
	assert.Equal(t, "UUIDs", PropertyServiceUUIDs.String())
	assert.Equal(t, "PropertyName(9)", PropertyName(9).String())
}
