package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() AuthorizationTable {
	return AuthorizationTable{
		"port_setup_tab": {"ports.updated", "project.update"},
		"import_tab":     {"layout.imported", "project.update"},
		"controller":     {"solve.completed", "report.generated", "pipeline.failed", "log.message"},
	}
}

func TestPublishAuthorized(t *testing.T) {
	bus := New(testTable())

	var got []Event
	bus.Subscribe("ports.updated", func(ev Event) { got = append(got, ev) })

	err := bus.Publish("port_setup_tab", "ports.updated", map[string]any{"reference_net": "GND"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "port_setup_tab", got[0].Publisher)
	assert.Equal(t, "GND", got[0].Payload["reference_net"])
}

func TestPublishUnauthorized(t *testing.T) {
	bus := New(testTable())

	fired := false
	bus.Subscribe("ports.updated", func(Event) { fired = true })

	err := bus.Publish("import_tab", "ports.updated", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "import_tab")
	assert.Contains(t, err.Error(), "ports.updated")
	assert.False(t, fired, "no handler may fire on a rejected publish")
}

func TestPublishUnknownPublisher(t *testing.T) {
	bus := New(testTable())

	err := bus.Publish("rogue_tab", "ports.updated", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := New(testTable())

	var order []string
	bus.Subscribe("layout.imported", func(Event) { order = append(order, "first") })
	bus.Subscribe("layout.imported", func(Event) { order = append(order, "second") })
	bus.Subscribe("layout.imported", func(Event) { order = append(order, "third") })

	require.NoError(t, bus.Publish("import_tab", "layout.imported", nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	bus := New(testTable())

	// No replay: subscribing after the fact sees nothing.
	require.NoError(t, bus.Publish("controller", "solve.completed", nil))

	fired := false
	bus.Subscribe("solve.completed", func(Event) { fired = true })
	assert.False(t, fired)
}

func TestHandlerMayPublishFollowUp(t *testing.T) {
	bus := New(testTable())

	var seen []string
	bus.Subscribe("layout.imported", func(Event) {
		seen = append(seen, "layout.imported")
		require.NoError(t, bus.Publish("controller", "log.message", nil))
	})
	bus.Subscribe("log.message", func(Event) { seen = append(seen, "log.message") })

	require.NoError(t, bus.Publish("import_tab", "layout.imported", nil))
	assert.Equal(t, []string{"layout.imported", "log.message"}, seen)
}

func TestPublishReturnsAfterHandlersComplete(t *testing.T) {
	bus := New(testTable())

	done := false
	bus.Subscribe("layout.imported", func(Event) { done = true })

	require.NoError(t, bus.Publish("import_tab", "layout.imported", nil))
	assert.True(t, done)
}
