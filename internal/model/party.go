package model

import (
	"fmt"
	"strings"
)

// PartyKind names the variant of a Party.
type PartyKind string

const (
	PartyUser   PartyKind = "user"
	PartyTeam   PartyKind = "team"
	PartyAnyone PartyKind = "anyone"
)

// Party is the closed set of assignee/approver targets: User, Team or Anyone.
type Party interface {
	Kind() PartyKind
	isParty()
}

// User targets a single actor.
type User struct{ ID string }

// Team targets any member of a team.
type Team struct{ ID string }

// Anyone targets every actor.
type Anyone struct{}

func (User) Kind() PartyKind   { return PartyUser }
func (Team) Kind() PartyKind   { return PartyTeam }
func (Anyone) Kind() PartyKind { return PartyAnyone }

func (User) isParty()   {}
func (Team) isParty()   {}
func (Anyone) isParty() {}

// PartyParts flattens a party for storage. A nil party yields empty strings.
func PartyParts(p Party) (kind, id string) {
	switch v := p.(type) {
	case User:
		return string(PartyUser), v.ID
	case Team:
		return string(PartyTeam), v.ID
	case Anyone:
		return string(PartyAnyone), ""
	default:
		return "", ""
	}
}

// ParseParty rebuilds a party from its stored parts. An empty kind is a nil party.
func ParseParty(kind, id string) (Party, error) {
	switch PartyKind(strings.TrimSpace(kind)) {
	case "":
		return nil, nil
	case PartyUser:
		if id == "" {
			return nil, fmt.Errorf("%w: user party requires an id", ErrInvalidInput)
		}
		return User{ID: id}, nil
	case PartyTeam:
		if id == "" {
			return nil, fmt.Errorf("%w: team party requires an id", ErrInvalidInput)
		}
		return Team{ID: id}, nil
	case PartyAnyone:
		return Anyone{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown party kind %q", ErrInvalidInput, kind)
	}
}

// BotPrefix marks automated actors.
const BotPrefix = "bot:"

// IsBot reports whether actorID belongs to an automated actor.
func IsBot(actorID string) bool {
	return strings.HasPrefix(actorID, BotPrefix)
}
