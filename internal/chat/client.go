// Package chat adapts the external chat-platform contract of §6 (fetch
// guild/member/role, add/remove role, read bot permissions and role
// hierarchy) to a single narrow interface the core depends on, backed by
// discordgo. This is the same "one small wrapper per external resource"
// shape the teacher's (inferred) ContractClient plays for an EVM
// contract — see pkg/solclient for the chain-side equivalent.
package chat

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Role mirrors the fields the core needs from a chat-platform role.
type Role struct {
	ID       string
	Position int
}

// Client wraps a discordgo session with the handful of calls the core
// needs (§6 "Chat-platform contract consumed").
type Client struct {
	session *discordgo.Session
	botID   string
}

func New(botToken string) (*Client, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("chat: create session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("chat: open gateway connection: %w", err)
	}
	botID := ""
	if session.State != nil && session.State.User != nil {
		botID = session.State.User.ID
	}
	return &Client{session: session, botID: botID}, nil
}

// Close disconnects the gateway session, part of the teardown sequence
// main.go runs in reverse construction order (§9).
func (c *Client) Close() error {
	return c.session.Close()
}

// GuildExists resolves a server by id (§6 "fetch server by id").
func (c *Client) GuildExists(guildID string) (bool, error) {
	if _, err := c.session.Guild(guildID); err != nil {
		return false, nil
	}
	return true, nil
}

// MemberRoles resolves a member's current role ids (§6 "fetch member by id").
func (c *Client) MemberRoles(guildID, memberID string) ([]string, bool, error) {
	member, err := c.session.GuildMember(guildID, memberID)
	if err != nil {
		return nil, false, nil
	}
	return member.Roles, true, nil
}

// HasRole reports whether the member currently holds roleID.
func (c *Client) HasRole(roles []string, roleID string) bool {
	for _, r := range roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// AddRole implements §6's "add role".
func (c *Client) AddRole(guildID, memberID, roleID string) error {
	if err := c.session.GuildMemberRoleAdd(guildID, memberID, roleID); err != nil {
		return fmt.Errorf("chat: add role %s to %s: %w", roleID, memberID, err)
	}
	return nil
}

// RemoveRole implements §6's "remove role".
func (c *Client) RemoveRole(guildID, memberID, roleID string) error {
	if err := c.session.GuildMemberRoleRemove(guildID, memberID, roleID); err != nil {
		return fmt.Errorf("chat: remove role %s from %s: %w", roleID, memberID, err)
	}
	return nil
}

// CanManageRole implements §4.5 step 8's manageability gate: the bot
// needs ManageRoles AND its highest role must rank strictly above the
// target role (§6 "read bot member permissions and role hierarchy").
func (c *Client) CanManageRole(guildID, roleID string) (bool, error) {
	guild, err := c.session.Guild(guildID)
	if err != nil {
		return false, fmt.Errorf("chat: fetch guild %s: %w", guildID, err)
	}
	rolesByID := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, r := range guild.Roles {
		rolesByID[r.ID] = r
	}

	target, ok := rolesByID[roleID]
	if !ok {
		return false, nil
	}

	botMember, err := c.session.GuildMember(guildID, c.botID)
	if err != nil {
		return false, fmt.Errorf("chat: fetch bot member in %s: %w", guildID, err)
	}

	hasManageRoles := false
	highestBotPosition := -1
	for _, rid := range botMember.Roles {
		r, ok := rolesByID[rid]
		if !ok {
			continue
		}
		if r.Permissions&discordgo.PermissionManageRoles != 0 {
			hasManageRoles = true
		}
		if r.Position > highestBotPosition {
			highestBotPosition = r.Position
		}
	}

	return hasManageRoles && highestBotPosition > target.Position, nil
}
