package cache

import (
	"testing"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/model"
)

func userType(t *testing.T) *model.ObjectType {
	t.Helper()
	ot, err := model.NewObjectType("Users", []string{"user_id", "login"}, model.PrimaryKey{"user_id"})
	if err != nil {
		t.Fatalf("NewObjectType: %v", err)
	}
	return ot
}

func TestCaches_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := jsoncache.New(dir, false, 1)
	if err != nil {
		t.Fatalf("jsoncache.New: %v", err)
	}
	ut := userType(t)
	types := map[string]*model.ObjectType{"Users": ut}

	c := New(store)
	c.RemoteEffective.Put("Users", model.NewDataObject(ut, map[string]any{"user_id": "1", "login": "jdoe"}))
	c.RemoteEffective.TrashbinPut("Users", model.NewDataObject(ut, map[string]any{"user_id": "2", "login": "old"}), time.Unix(1000, 0))

	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New(store)
	if err := c2.Load(types, types); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c2.RemoteEffective.Get("Users", model.NewPKey("1")) == nil {
		t.Fatal("expected object to survive round trip")
	}
	if !c2.RemoteEffective.TrashbinContains("Users", model.NewPKey("2")) {
		t.Fatal("expected trashbin entry to survive round trip")
	}
}

func TestApplyRemoval_MovesToTrashbinWhenRetentionPositive(t *testing.T) {
	ut := userType(t)
	ds := model.NewDatasource()
	ds.Put("Users", model.NewDataObject(ut, map[string]any{"user_id": "1", "login": "jdoe"}))

	ApplyRemoval(ds, "Users", model.NewPKey("1"), time.Now(), time.Hour)

	if ds.Contains("Users", model.NewPKey("1")) {
		t.Fatal("expected object removed from main collection")
	}
	if !ds.TrashbinContains("Users", model.NewPKey("1")) {
		t.Fatal("expected object moved to trashbin")
	}
}

func TestApplyRemoval_DeletesOutrightWhenRetentionZero(t *testing.T) {
	ut := userType(t)
	ds := model.NewDatasource()
	ds.Put("Users", model.NewDataObject(ut, map[string]any{"user_id": "1", "login": "jdoe"}))

	ApplyRemoval(ds, "Users", model.NewPKey("1"), time.Now(), 0)

	if ds.Contains("Users", model.NewPKey("1")) || ds.TrashbinContains("Users", model.NewPKey("1")) {
		t.Fatal("expected object to be gone entirely")
	}
}

func TestIsRecycle_DetectsTrashedPkey(t *testing.T) {
	ut := userType(t)
	ds := model.NewDatasource()
	ds.TrashbinPut("Users", model.NewDataObject(ut, map[string]any{"user_id": "1", "login": "jdoe"}), time.Now())

	if !IsRecycle(ds, "Users", model.NewPKey("1")) {
		t.Fatal("expected recycle to be detected")
	}
	if IsRecycle(ds, "Users", model.NewPKey("2")) {
		t.Fatal("expected no recycle for unrelated pkey")
	}
}

func TestPurgeExpired_RespectsRetention(t *testing.T) {
	ut := userType(t)
	ds := model.NewDatasource()
	now := time.Now()
	ds.TrashbinPut("Users", model.NewDataObject(ut, map[string]any{"user_id": "1", "login": "old"}), now.Add(-2*time.Hour))
	ds.TrashbinPut("Users", model.NewDataObject(ut, map[string]any{"user_id": "2", "login": "new"}), now)

	expired := PurgeExpired(ds, "Users", now, time.Hour)
	if len(expired) != 1 || expired[0].GetPKey().String() != "1" {
		t.Fatalf("expected exactly the old entry to expire, got %v", expired)
	}
}

func TestPurgeOrder_ReversesDeclarationOrder(t *testing.T) {
	got := PurgeOrder([]string{"Groups", "GroupsMembers", "Users"})
	want := []string{"Users", "GroupsMembers", "Groups"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
