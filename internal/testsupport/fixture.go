// Package testsupport builds small, deterministic data fixtures for tests
// across the module (internal/engine, internal/loop, internal/control,
// cmd/...), so integration-style tests don't each hand-roll their own
// Users/Groups/Biodata sample data. Grounded on
// original_source/tests/functional/fixtures/data/generateData.py, which
// uses Faker to generate a population of users, groups, group memberships,
// and per-user biographical data for the project's functional test suite.
// Faker itself isn't part of any example repo's stack, so this package
// generates the same shape of data deterministically from a seeded
// math/rand source instead of pulling in a fake-data library nothing else
// in the corpus uses.
package testsupport

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
)

var firstNames = []string{
	"Alice", "Bob", "Carla", "Dmitri", "Elena", "Farid", "Grace", "Hugo",
	"Ines", "Jun", "Kira", "Liam", "Maya", "Noor", "Omar", "Priya",
}

var lastNames = []string{
	"Andersen", "Bdespin", "Castillo", "Dubois", "Eriksson", "Fontaine",
	"Gomez", "Haddad", "Ivanov", "Jarvi", "Kowalski", "Lindqvist",
}

var specialties = []string{
	"Civil engineering", "Electrical engineering", "Mechanical engineering",
	"Computer engineering", "Software engineering", "Robotics",
}

var hairColours = []string{"bald", "black", "blond", "brown", "ginger", "grey", "white"}
var eyeColours = []string{"brown", "amber", "hazel", "green", "blue", "gray"}

// Schema returns the remote TypeSpec set this package's fixtures populate:
// Users, Groups (a weak entity keyed by its owning user, mirroring
// internal/engine's own usersGroupsSchema test fixture), and Biodata, a
// type with secret attributes (spec §3's "never logged, never included in
// bus JSON" set) foreign-keyed one-to-one onto Users.
func Schema() map[string]schema.TypeSpec {
	return map[string]schema.TypeSpec{
		"Users": {
			Attributes: []string{"id", "first_name", "last_name", "login", "specialty"},
			PrimaryKey: []string{"id"},
		},
		"Groups": {
			Attributes:  []string{"owner", "name"},
			PrimaryKey:  []string{"owner"},
			ForeignKeys: map[string][2]string{"owner": {"Users", "id"}},
		},
		"Biodata": {
			Attributes:  []string{"user_id", "hair_colour", "eye_colour"},
			SecretAttrs: []string{"hair_colour", "eye_colour"},
			PrimaryKey:  []string{"user_id"},
			ForeignKeys: map[string][2]string{"user_id": {"Users", "id"}},
		},
	}
}

// User is one generated row of the Users type.
type User struct {
	ID        string
	FirstName string
	LastName  string
	Login     string
	Specialty string
}

// Attrs returns u's wire-shaped attribute map, as used by model.NewAddedEvent.
func (u User) Attrs() map[string]any {
	return map[string]any{
		"id":         u.ID,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"login":      u.Login,
		"specialty":  u.Specialty,
	}
}

// Population is a self-consistent generated fixture: every Groups and
// Biodata row's foreign key points at a User actually present in Users.
type Population struct {
	Users    []User
	Groups   []map[string]any // {owner, name}
	Biodata  []map[string]any // {user_id, hair_colour, eye_colour}
}

// GeneratePopulation deterministically builds n users (and one group per
// distinct specialty among them, owned by its first member, plus one
// Biodata row per user), mirroring generateData.py's shape without Faker:
// same seed, same output, every time.
func GeneratePopulation(n int, seed int64) Population {
	rng := rand.New(rand.NewSource(seed))
	pop := Population{}

	groupOwnerBySpecialty := map[string]string{}
	logins := map[string]int{}

	for i := 0; i < n; i++ {
		first := firstNames[rng.Intn(len(firstNames))]
		last := lastNames[rng.Intn(len(lastNames))]
		specialty := specialties[rng.Intn(len(specialties))]

		login := uniqueLogin(first, last, logins)
		id := fmt.Sprintf("u-%04d", i+1)

		u := User{ID: id, FirstName: first, LastName: last, Login: login, Specialty: specialty}
		pop.Users = append(pop.Users, u)

		if _, exists := groupOwnerBySpecialty[specialty]; !exists {
			groupOwnerBySpecialty[specialty] = id
		}

		pop.Biodata = append(pop.Biodata, map[string]any{
			"user_id":     id,
			"hair_colour": hairColours[rng.Intn(len(hairColours))],
			"eye_colour":  eyeColours[rng.Intn(len(eyeColours))],
		})
	}

	specialtyNames := make([]string, 0, len(groupOwnerBySpecialty))
	for s := range groupOwnerBySpecialty {
		specialtyNames = append(specialtyNames, s)
	}
	sort.Strings(specialtyNames)
	for _, specialty := range specialtyNames {
		pop.Groups = append(pop.Groups, map[string]any{
			"owner": groupOwnerBySpecialty[specialty],
			"name":  specialty,
		})
	}

	return pop
}

// uniqueLogin mirrors getLogin's "first initial + up to 14 chars of last
// name" scheme, appending a numeric suffix on collision.
func uniqueLogin(first, last string, seen map[string]int) string {
	base := fmt.Sprintf("%c%s", toLower(first[0]), toLowerStr(truncate(last, 14)))
	login := base
	for {
		if seen[login] == 0 {
			seen[login] = 1
			return login
		}
		seen[login]++
		login = fmt.Sprintf("%s%d", base, seen[login])
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func toLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b - 'A' + 'a'
	}
	return b
}

func toLowerStr(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = toLower(s[i])
	}
	return string(out)
}

// Events converts a Population into a sequence of `added` bus events in a
// dependency-safe order (Users, then Groups, then Biodata) so a consumer
// replaying them never sees a foreign key before its target, mirroring
// spec §4.6's declaration-order processing rule.
func Events(pop Population) []*model.Event {
	events := make([]*model.Event, 0, len(pop.Users)+len(pop.Groups)+len(pop.Biodata))
	for _, u := range pop.Users {
		events = append(events, model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey(u.ID), u.Attrs()))
	}
	for _, g := range pop.Groups {
		events = append(events, model.NewAddedEvent(model.CategoryBase, "Groups", model.NewPKey(g["owner"]), g))
	}
	for _, b := range pop.Biodata {
		events = append(events, model.NewAddedEvent(model.CategoryBase, "Biodata", model.NewPKey(b["user_id"]), b))
	}
	return events
}
