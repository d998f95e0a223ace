// Package chatapi reads room history from the chat platform.
package chatapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"conversation-sla-engine/pkg/models"
)

// GuestDirectory answers whether a home-organization user is a guest.
type GuestDirectory interface {
	IsGuest(ctx context.Context, organizationID, platformUserID string) (bool, error)
}

// SlackHistory queries Slack's conversations.history with each
// organization's bot token.
type SlackHistory struct {
	apiURL     string
	pageLimit  int
	httpClient *http.Client
	guests     GuestDirectory
	logger     *logrus.Logger
}

func NewSlackHistory(apiURL string, pageLimit int, guests GuestDirectory, logger *logrus.Logger) *SlackHistory {
	return &SlackHistory{
		apiURL:     apiURL,
		pageLimit:  pageLimit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		guests:     guests,
		logger:     logger,
	}
}

// History returns the room's messages newer than oldest, oldest first.
func (h *SlackHistory) History(ctx context.Context, org *models.Organization, room *models.Room, oldest string) ([]models.ChatMessage, error) {
	api := slack.New(org.APIToken, slack.OptionAPIURL(h.apiURL), slack.OptionHTTPClient(h.httpClient))

	params := &slack.GetConversationHistoryParameters{
		ChannelID: room.PlatformRoomID,
		Oldest:    oldest,
		Limit:     h.pageLimit,
	}

	var messages []models.ChatMessage
	pages := 0
	for {
		resp, err := api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("conversations.history for %s: %w", room.PlatformRoomID, err)
		}
		pages++

		for _, m := range resp.Messages {
			msg, ok, err := h.convert(ctx, org, m)
			if err != nil {
				return nil, err
			}
			if ok {
				messages = append(messages, msg)
			}
		}

		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return models.CompareMessageIDs(messages[i].ID, messages[j].ID) < 0
	})

	h.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"room_id":         room.ID,
		"oldest":          oldest,
		"pages":           pages,
		"messages":        len(messages),
	}).Debug("Fetched room history")

	return messages, nil
}

// convert maps a Slack message. Messages without a human author are dropped.
func (h *SlackHistory) convert(ctx context.Context, org *models.Organization, m slack.Message) (models.ChatMessage, bool, error) {
	if m.User == "" {
		return models.ChatMessage{}, false, nil
	}

	msg := models.ChatMessage{
		ID:                   m.Timestamp,
		ThreadID:             m.ThreadTimestamp,
		AuthorID:             m.User,
		AuthorOrganizationID: m.Team,
	}
	if msg.AuthorOrganizationID == "" {
		msg.AuthorOrganizationID = org.PlatformID
	}

	if msg.AuthorOrganizationID == org.PlatformID && h.guests != nil {
		guest, err := h.guests.IsGuest(ctx, org.ID, m.User)
		if err != nil {
			return models.ChatMessage{}, false, fmt.Errorf("failed to resolve guest %s: %w", m.User, err)
		}
		msg.AuthorIsGuest = guest
	}
	return msg, true, nil
}
