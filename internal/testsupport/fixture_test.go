package testsupport

import (
	"testing"

	"github.com/insa-strasbourg/hermes-client/internal/schema"
)

func TestGeneratePopulation_IsDeterministic(t *testing.T) {
	a := GeneratePopulation(50, 42)
	b := GeneratePopulation(50, 42)
	if len(a.Users) != len(b.Users) {
		t.Fatalf("expected equal population sizes across identical seeds")
	}
	for i := range a.Users {
		if a.Users[i] != b.Users[i] {
			t.Fatalf("user %d differs across identical seeds: %+v vs %+v", i, a.Users[i], b.Users[i])
		}
	}
}

func TestGeneratePopulation_UniqueLogins(t *testing.T) {
	pop := GeneratePopulation(300, 7)
	seen := map[string]struct{}{}
	for _, u := range pop.Users {
		if _, dup := seen[u.Login]; dup {
			t.Fatalf("duplicate login %q", u.Login)
		}
		seen[u.Login] = struct{}{}
	}
}

func TestGeneratePopulation_ForeignKeysResolve(t *testing.T) {
	pop := GeneratePopulation(30, 1)
	ids := map[string]struct{}{}
	for _, u := range pop.Users {
		ids[u.ID] = struct{}{}
	}
	for _, g := range pop.Groups {
		if _, ok := ids[g["owner"].(string)]; !ok {
			t.Fatalf("group %v owner doesn't reference a generated user", g)
		}
	}
	for _, b := range pop.Biodata {
		if _, ok := ids[b["user_id"].(string)]; !ok {
			t.Fatalf("biodata %v user_id doesn't reference a generated user", b)
		}
	}
}

func TestSchema_ValidatesAndIsForeignKeyConsistent(t *testing.T) {
	s, err := schema.New(Schema())
	if err != nil {
		t.Fatalf("schema.New(Schema()): %v", err)
	}
	if s.Get("Users") == nil || s.Get("Groups") == nil || s.Get("Biodata") == nil {
		t.Fatalf("expected Users, Groups and Biodata to all be present")
	}
}

func TestEvents_OrdersUsersBeforeDependents(t *testing.T) {
	pop := GeneratePopulation(10, 3)
	events := Events(pop)

	firstNonUserIndex := -1
	for i, ev := range events {
		if ev.ObjType != "Users" {
			firstNonUserIndex = i
			break
		}
	}
	if firstNonUserIndex == -1 || firstNonUserIndex != len(pop.Users) {
		t.Fatalf("expected exactly the first %d events to be Users, got first non-Users at %d", len(pop.Users), firstNonUserIndex)
	}
}
