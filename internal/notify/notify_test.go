package notify

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureDriver struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (d *captureDriver) Deliver(msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return d.err
}

func (d *captureDriver) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.msgs...)
}

func TestDispatcherDeliversInBackground(t *testing.T) {
	driver := &captureDriver{}
	d := NewDispatcher(driver, nil)

	d.Notify("booking.created", map[string]any{"appointment_id": "a1"})
	d.Notify("appointment.canceled", map[string]any{"appointment_id": "a2"})
	d.Close()

	msgs := driver.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "booking.created", msgs[0].Event)
	assert.Equal(t, "a1", msgs[0].Payload["appointment_id"])
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestDispatcherSwallowsDriverErrors(t *testing.T) {
	driver := &captureDriver{err: errors.New("smtp down")}
	d := NewDispatcher(driver, nil)

	d.Notify("booking.created", nil)
	d.Close()

	assert.Len(t, driver.Messages(), 1)
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(&captureDriver{}, nil)
	d.Close()
	d.Close()
}

func TestFileDriverAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.log")
	driver := &FileDriver{Path: path}

	require.NoError(t, driver.Deliver(Message{Event: "booking.created", Payload: map[string]any{"k": "v"}}))
	require.NoError(t, driver.Deliver(Message{Event: "appointment.canceled"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg Message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		events = append(events, msg.Event)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"booking.created", "appointment.canceled"}, events)
}
