package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-sla-engine/pkg/models"
)

type guestSet map[string]bool

func (g guestSet) IsGuest(_ context.Context, _, platformUserID string) (bool, error) {
	return g[platformUserID], nil
}

func historyServer(t *testing.T, pages map[string]map[string]interface{}, oldestSeen *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/conversations.history", r.URL.Path)
		*oldestSeen = append(*oldestSeen, r.FormValue("oldest"))

		page, ok := pages[r.FormValue("cursor")]
		if !ok {
			t.Errorf("unexpected cursor %q", r.FormValue("cursor"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}))
}

func TestSlackHistory_History(t *testing.T) {
	var oldestSeen []string
	server := historyServer(t, map[string]map[string]interface{}{
		"": {
			"ok":       true,
			"has_more": true,
			"messages": []map[string]interface{}{
				{"type": "message", "user": "U3", "team": "T-HOME", "ts": "1700000300.000100"},
				{"type": "message", "user": "U2", "team": "T-OTHER", "ts": "1700000200.000100", "thread_ts": "1700000100.000100"},
			},
			"response_metadata": map[string]string{"next_cursor": "page-2"},
		},
		"page-2": {
			"ok":       true,
			"has_more": false,
			"messages": []map[string]interface{}{
				{"type": "message", "user": "U1", "team": "T-OTHER", "ts": "1700000100.000100", "thread_ts": "1700000100.000100"},
				{"type": "message", "subtype": "channel_join", "ts": "1700000050.000100"},
			},
		},
	}, &oldestSeen)
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	history := NewSlackHistory(server.URL+"/", 100, guestSet{"U3": true}, logger)

	org := &models.Organization{ID: "org", PlatformID: "T-HOME", APIToken: "xoxb-test"}
	room := &models.Room{ID: "room", PlatformRoomID: "C123"}

	messages, err := history.History(context.Background(), org, room, "1700000000.000000")
	require.NoError(t, err)

	require.Len(t, messages, 3)
	assert.Equal(t, "1700000100.000100", messages[0].ID)
	assert.True(t, messages[0].IsTopLevel())
	assert.Equal(t, "T-OTHER", messages[0].AuthorOrganizationID)
	assert.False(t, messages[1].IsTopLevel())
	assert.Equal(t, "U3", messages[2].AuthorID)
	assert.True(t, messages[2].AuthorIsGuest)

	assert.Equal(t, []string{"1700000000.000000", "1700000000.000000"}, oldestSeen)
}

func TestSlackHistory_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	history := NewSlackHistory(server.URL+"/", 100, nil, logger)

	_, err := history.History(context.Background(),
		&models.Organization{ID: "org", APIToken: "xoxb-test"},
		&models.Room{ID: "room", PlatformRoomID: "C404"}, "1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}
