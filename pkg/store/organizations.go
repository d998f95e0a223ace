package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/models"
)

func (s *Store) orgKey(id string) string {
	return s.key("org", id)
}

func (s *Store) roomKey(id string) string {
	return s.key("room", id)
}

// SaveOrganization creates or replaces an organization.
func (s *Store) SaveOrganization(ctx context.Context, org *models.Organization) error {
	defer s.observe("save_organization")()

	if err := org.DefaultTimeToRespond.Validate(); err != nil {
		return fmt.Errorf("organization %s: %w", org.ID, err)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.setJSON(ctx, pipe, s.orgKey(org.ID), org); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.key(constants.OrganizationsKey), org.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save organization: %w", err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	defer s.observe("get_organization")()

	var org models.Organization
	if err := s.getJSON(ctx, s.orgKey(id), &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// ListOrganizations returns every organization ordered by id.
func (s *Store) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	defer s.observe("list_organizations")()

	ids, err := s.members(ctx, s.key(constants.OrganizationsKey))
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.orgKey(id)
	}

	var orgs []*models.Organization
	err = s.loadAll(ctx, keys, func(data []byte) error {
		var org models.Organization
		if err := json.Unmarshal(data, &org); err != nil {
			return err
		}
		orgs = append(orgs, &org)
		return nil
	})
	return orgs, err
}

// SaveRoom creates or replaces a room and indexes it under its organization.
func (s *Store) SaveRoom(ctx context.Context, room *models.Room) error {
	defer s.observe("save_room")()

	if err := room.TimeToRespond.Validate(); err != nil {
		return fmt.Errorf("room %s: %w", room.ID, err)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.setJSON(ctx, pipe, s.roomKey(room.ID), room); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.key("org", room.OrganizationID, "rooms"), room.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer s.observe("get_room")()

	var room models.Room
	if err := s.getJSON(ctx, s.roomKey(id), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms returns the rooms of an organization ordered by id.
func (s *Store) ListRooms(ctx context.Context, organizationID string) ([]*models.Room, error) {
	defer s.observe("list_rooms")()

	ids, err := s.members(ctx, s.key("org", organizationID, "rooms"))
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.roomKey(id)
	}

	var rooms []*models.Room
	err = s.loadAll(ctx, keys, func(data []byte) error {
		var room models.Room
		if err := json.Unmarshal(data, &room); err != nil {
			return err
		}
		rooms = append(rooms, &room)
		return nil
	})
	return rooms, err
}

// SaveMember stores a member and keeps the organization's guest index current.
func (s *Store) SaveMember(ctx context.Context, member *models.Member) error {
	defer s.observe("save_member")()

	guestsKey := s.key("org", member.OrganizationID, "guests")
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.setJSON(ctx, pipe, s.key("member", member.ID), member); err != nil {
			return err
		}
		pipe.SAdd(ctx, s.key("org", member.OrganizationID, "members"), member.ID)
		if member.IsGuest {
			pipe.SAdd(ctx, guestsKey, member.PlatformUserID)
		} else {
			pipe.SRem(ctx, guestsKey, member.PlatformUserID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// IsGuest reports whether platformUserID is a known guest of the organization.
func (s *Store) IsGuest(ctx context.Context, organizationID, platformUserID string) (bool, error) {
	defer s.observe("is_guest")()

	ok, err := s.rdb.SIsMember(ctx, s.key("org", organizationID, "guests"), platformUserID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check guest: %w", err)
	}
	return ok, nil
}
