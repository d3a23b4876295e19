package errorqueue

import (
	"testing"

	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	return logger.New(&config.Config{LogLevel: "error"})
}

func usersType(t *testing.T) *model.ObjectType {
	t.Helper()
	ot, err := model.NewObjectType("Users", []string{"id", "login", "fullname"}, model.PrimaryKey{"id"})
	if err != nil {
		t.Fatalf("NewObjectType: %v", err)
	}
	return ot
}

func newAdded(t *testing.T, pkey string, attrs map[string]any) *model.Event {
	t.Helper()
	return model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey(pkey), attrs)
}

func newModified(t *testing.T, pkey string, added, modified, removed map[string]any) *model.Event {
	t.Helper()
	return model.NewModifiedEvent(model.CategoryBase, "Users", model.NewPKey(pkey), added, modified, removed)
}

func newRemoved(t *testing.T, pkey string) *model.Event {
	t.Helper()
	return model.NewRemovedEvent(model.CategoryBase, "Users", model.NewPKey(pkey))
}

func remoteMirror(ev *model.Event) *model.Event {
	mirror := ev.Clone()
	mirror.ObjType = "RemoteUsers"
	return mirror
}

func TestAppend_AllocatesIncreasingEventNumbers(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.Append(nil, newAdded(t, "1", map[string]any{"login": "jdoe"}), nil)
	q.Append(nil, newAdded(t, "2", map[string]any{"login": "asmith"}), nil)

	if q.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", q.Len())
	}
}

func TestAppend_IgnoresUnknownObjtype(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.Append(nil, model.NewAddedEvent(model.CategoryBase, "Unknown", model.NewPKey("1"), nil), nil)
	if q.Len() != 0 {
		t.Fatalf("expected unknown objtype to be ignored, got %d entries", q.Len())
	}
}

func TestIterate_YieldsOnlyOldestPerObject(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.append(nil, newAdded(t, "1", map[string]any{"login": "jdoe"}), nil, 10)
	q.append(nil, newModified(t, "1", nil, map[string]any{"login": "jdoe2"}, nil), nil, 20)
	q.append(nil, newAdded(t, "2", map[string]any{"login": "asmith"}), nil, 30)

	var seen []uint64
	q.Iterate(func(eventNumber uint64, e Entry) { seen = append(seen, eventNumber) })

	if len(seen) != 2 || seen[0] != 10 || seen[1] != 30 {
		t.Fatalf("expected [10 30], got %v", seen)
	}
}

func TestRemove_PurgesEmptyIndexLevels(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.append(nil, newAdded(t, "1", map[string]any{"login": "jdoe"}), nil, 1)

	q.Remove(1, false)

	if q.ContainsObject("Users", model.NewPKey("1"), true) {
		t.Fatal("expected object to no longer be tracked after remove")
	}
	if len(q.index) != 0 {
		t.Fatalf("expected index to be fully purged, got %v", q.index)
	}
}

func TestRemove_MissingEventNumberPanicsUnlessIgnored(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.Remove(999, true) // must not panic

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for missing eventNumber without ignoreMissing")
		}
	}()
	q.Remove(999, false)
}

func TestAutoremediate_AddedThenModified_MergesIntoAdded(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyConservative, testLogger(t))
	q.append(nil, newAdded(t, "1", map[string]any{"login": "jdoe", "fullname": "J Doe"}), nil, 1)
	q.append(nil, newModified(t, "1", nil, map[string]any{"fullname": "John Doe"}, nil), nil, 2)

	if q.Len() != 1 {
		t.Fatalf("expected merge to leave a single entry, got %d", q.Len())
	}
	var merged Entry
	q.AllEvents(func(_ uint64, e Entry) { merged = e })
	if merged.Local.Type != model.TypeAdded {
		t.Fatalf("expected merged event to stay added, got %s", merged.Local.Type)
	}
	if merged.Local.Added["fullname"] != "John Doe" {
		t.Fatalf("expected modified value to override added, got %v", merged.Local.Added["fullname"])
	}
}

func TestAutoremediate_AddedThenRemoved_ConservativeKeepsBoth(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyConservative, testLogger(t))
	added := newAdded(t, "1", map[string]any{"login": "jdoe"})
	removed := newRemoved(t, "1")
	q.append(remoteMirror(added), added, nil, 1)
	q.append(remoteMirror(removed), removed, nil, 2)

	if q.Len() != 2 {
		t.Fatalf("expected conservative policy to keep both events, got %d", q.Len())
	}
}

func TestAutoremediate_AddedThenRemoved_MaximumDropsBoth(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyMaximum, testLogger(t))
	q.append(nil, newAdded(t, "1", map[string]any{"login": "jdoe"}), nil, 1)
	q.append(nil, newRemoved(t, "1"), nil, 2)

	if q.Len() != 0 {
		t.Fatalf("expected maximum policy to drop both events, got %d", q.Len())
	}
}

func TestAutoremediate_ModifiedThenModified_MergesSubtrees(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyConservative, testLogger(t))
	q.append(nil, newModified(t, "1", map[string]any{"fullname": "J Doe"}, nil, nil), nil, 1)
	q.append(nil, newModified(t, "1", nil, map[string]any{"login": "jd2"}, nil), nil, 2)

	var merged Entry
	q.AllEvents(func(_ uint64, e Entry) { merged = e })
	if merged.Local.Added["fullname"] != "J Doe" {
		t.Fatalf("expected first added to survive, got %v", merged.Local.Added)
	}
	if merged.Local.Modified["login"] != "jd2" {
		t.Fatalf("expected second modified to survive, got %v", merged.Local.Modified)
	}
}

func TestAutoremediate_ModifiedThenRemoved_MaximumReplacesWithRemoved(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyMaximum, testLogger(t))
	q.append(nil, newModified(t, "1", nil, map[string]any{"login": "jd2"}, nil), nil, 1)
	q.append(nil, newRemoved(t, "1"), nil, 2)

	if q.Len() != 1 {
		t.Fatalf("expected single entry after merge, got %d", q.Len())
	}
	var merged Entry
	q.AllEvents(func(_ uint64, e Entry) { merged = e })
	if merged.Local.Type != model.TypeRemoved {
		t.Fatalf("expected merged event to be removed, got %s", merged.Local.Type)
	}
}

func TestAutoremediate_PartiallyProcessedEventsAreNotMerged(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyConservative, testLogger(t))
	first := newAdded(t, "1", map[string]any{"login": "jdoe"})
	first.IsPartiallyProcessed = true
	q.append(nil, first, nil, 1)
	q.append(nil, newModified(t, "1", nil, map[string]any{"login": "jdoe2"}, nil), nil, 2)

	if q.Len() != 2 {
		t.Fatalf("expected no merge across a partially processed event, got %d entries", q.Len())
	}
}

func TestAutoremediate_RemovedThenAdded_MaximumDiffsCompleteVsEffective(t *testing.T) {
	ut := usersType(t)
	effective := model.NewDatasource()
	effective.Put("Users", model.NewDataObject(ut, map[string]any{"id": "1"}))
	complete := model.NewDatasource()
	complete.Put("Users", model.NewDataObject(ut, map[string]any{"id": "1", "login": "jdoe", "fullname": "John Doe"}))

	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyMaximum, testLogger(t))
	q.SetTypes(nil, map[string]*model.ObjectType{"Users": ut})
	q.SetDatasources(nil, nil, effective, complete)

	q.append(nil, newRemoved(t, "1"), nil, 1)
	q.append(nil, newAdded(t, "1", map[string]any{"id": "1", "login": "jdoe", "fullname": "John Doe"}), nil, 2)

	if q.Len() != 1 {
		t.Fatalf("expected removed+added to merge into one modified event, got %d", q.Len())
	}
	var merged Entry
	q.AllEvents(func(_ uint64, e Entry) { merged = e })
	if merged.Local.Type != model.TypeModified {
		t.Fatalf("expected merged event to be modified, got %s", merged.Local.Type)
	}
	if merged.Local.Added["login"] != "jdoe" || merged.Local.Added["fullname"] != "John Doe" {
		t.Fatalf("expected diff to carry the missing attrs as added, got %v", merged.Local.Added)
	}
}

func TestAutoremediate_RemovedThenAdded_MaximumFallsBackWithoutData(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyMaximum, testLogger(t))
	removed := newRemoved(t, "1")
	added := newAdded(t, "1", map[string]any{"login": "jdoe"})
	q.append(remoteMirror(removed), removed, nil, 1)
	q.append(remoteMirror(added), added, nil, 2)

	if q.Len() != 2 {
		t.Fatalf("expected fallback to conservative (keep both) when no datasource is set, got %d", q.Len())
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := jsoncache.New(dir, false, 1)
	if err != nil {
		t.Fatalf("jsoncache.New: %v", err)
	}

	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.Append(nil, newAdded(t, "1", map[string]any{"login": "jdoe"}), nil)
	msg := "boom"
	q.Append(nil, newModified(t, "2", nil, map[string]any{"login": "x"}, nil), &msg)

	if err := q.Save(store, "errorqueue"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	q2 := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	ok, err := q2.Load(store, "errorqueue")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected a persisted queue to be found")
	}
	if q2.Len() != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", q2.Len())
	}
	if !q2.ContainsObject("Users", model.NewPKey("2"), true) {
		t.Fatal("expected object 2 to survive round trip")
	}
}

func TestPurgeAllEvents_RemovesEveryEntryForObject(t *testing.T) {
	q := New(map[string]string{"RemoteUsers": "Users"}, PolicyDisabled, testLogger(t))
	q.append(nil, newAdded(t, "1", map[string]any{"login": "jdoe"}), nil, 1)
	q.append(nil, newModified(t, "1", nil, map[string]any{"login": "jd2"}, nil), nil, 2)
	q.append(nil, newAdded(t, "2", map[string]any{"login": "asmith"}), nil, 3)

	q.PurgeAllEvents("Users", model.NewPKey("1"), true)

	if q.Len() != 1 {
		t.Fatalf("expected only object 2's entry to remain, got %d", q.Len())
	}
	if q.ContainsObject("Users", model.NewPKey("1"), true) {
		t.Fatal("expected object 1 to be fully purged")
	}
}
