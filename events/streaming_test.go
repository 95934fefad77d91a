// Copyright (C) 2025 pod-healer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilterFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/api/events/stream?type=remediation.succeeded&namespace=production&errorClass=OOMKilled&severity=critical", nil)

	filter := parseFilterFromRequest(req)

	require.NotNil(t, filter)
	assert.Equal(t, []EventType{EventRemediationSucceeded}, filter.EventTypes)
	assert.Equal(t, []string{"production"}, filter.Namespaces)
	assert.Equal(t, []string{"OOMKilled"}, filter.ErrorClasses)
	assert.Equal(t, []Severity{SeverityCritical}, filter.Severities)
}

func TestStreamer_EventRoundTrip(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	streamer := NewStreamer(bus, DefaultStreamingConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamer.Start(ctx)

	server := httptest.NewServer(http.HandlerFunc(streamer.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the connection time to register before publishing
	require.Eventually(t, func() bool {
		return streamer.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	event := NewEvent(EventRemediationSucceeded, "default", "web-abc123", SeverityInfo, "Remediation complete")
	bus.Publish(event)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, EventRemediationSucceeded, decoded.Type)
	assert.Equal(t, "web-abc123", decoded.Resource)
}

func TestStreamer_FilteredConnection(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	streamer := NewStreamer(bus, DefaultStreamingConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamer.Start(ctx)

	server := httptest.NewServer(http.HandlerFunc(streamer.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?namespace=production"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return streamer.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Filtered-out event first, matching event second; only the second
	// should arrive
	bus.Publish(NewEvent(EventLoopStarted, "default", "web-1", SeverityInfo, "loop"))
	bus.Publish(NewEvent(EventLoopStarted, "production", "api-1", SeverityInfo, "loop"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "production", decoded.Namespace)
}
