// Package cache implements the Dual Cache & Trashbin component (spec §4.3,
// C4): the four coexisting datasources (remote-effective, remote-complete,
// local-effective, local-complete) plus their trashbins, grounded on
// original_source/lib/datamodel/datasource.py and clients/datamodel.py's
// load/save orchestration.
package cache

import (
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// Side distinguishes the remote- and local-typed datasources.
type Side int

const (
	SideRemote Side = iota
	SideLocal
)

// Caches holds the four datasources and their persistence file names.
type Caches struct {
	RemoteEffective *model.Datasource
	RemoteComplete  *model.Datasource
	LocalEffective  *model.Datasource
	LocalComplete   *model.Datasource

	store *jsoncache.Store
}

// New returns an empty set of caches backed by store.
func New(store *jsoncache.Store) *Caches {
	return &Caches{
		RemoteEffective: model.NewDatasource(),
		RemoteComplete:  model.NewDatasource(),
		LocalEffective:  model.NewDatasource(),
		LocalComplete:   model.NewDatasource(),
		store:           store,
	}
}

// datasourceFile is the on-disk JSON shape of one type's collection: its
// main objects and its trashbin entries, each as an ordered attribute map.
type datasourceFile struct {
	Objects  map[string][]map[string]any `json:"objects"`
	Trashbin map[string][]trashedObject  `json:"trashbin"`
}

type trashedObject struct {
	Attrs     map[string]any `json:"attrs"`
	Timestamp time.Time      `json:"trashbinTimestamp"`
}

func cacheFileName(side Side, complete bool) string {
	name := "remotedata"
	if side == SideLocal {
		name = "localdata"
	}
	if complete {
		name += "_complete"
	}
	return name
}

// Load reads all four datasources from disk, instantiating DataObjects
// against the given object types (remote or local, per type name).
func (c *Caches) Load(remoteTypes, localTypes map[string]*model.ObjectType) error {
	var err error
	if c.RemoteEffective, err = loadOne(c.store, cacheFileName(SideRemote, false), remoteTypes); err != nil {
		return err
	}
	if c.RemoteComplete, err = loadOne(c.store, cacheFileName(SideRemote, true), remoteTypes); err != nil {
		return err
	}
	if c.LocalEffective, err = loadOne(c.store, cacheFileName(SideLocal, false), localTypes); err != nil {
		return err
	}
	if c.LocalComplete, err = loadOne(c.store, cacheFileName(SideLocal, true), localTypes); err != nil {
		return err
	}
	return nil
}

func loadOne(store *jsoncache.Store, filename string, types map[string]*model.ObjectType) (*model.Datasource, error) {
	var file datasourceFile
	ok, err := store.Load(filename, &file, nil)
	if err != nil {
		return nil, err
	}
	ds := model.NewDatasource()
	if !ok {
		return ds, nil
	}
	for objtype, rows := range file.Objects {
		t := types[objtype]
		if t == nil {
			continue // type removed from schema since this cache was written
		}
		for _, attrs := range rows {
			ds.Put(objtype, model.NewDataObject(t, attrs))
		}
	}
	for objtype, rows := range file.Trashbin {
		t := types[objtype]
		if t == nil {
			continue
		}
		for _, row := range rows {
			obj := model.NewDataObject(t, row.Attrs)
			ds.TrashbinPut(objtype, obj, row.Timestamp)
		}
	}
	return ds, nil
}

// Save persists all four datasources to disk.
func (c *Caches) Save() error {
	if err := saveOne(c.store, cacheFileName(SideRemote, false), c.RemoteEffective); err != nil {
		return err
	}
	if err := saveOne(c.store, cacheFileName(SideRemote, true), c.RemoteComplete); err != nil {
		return err
	}
	if err := saveOne(c.store, cacheFileName(SideLocal, false), c.LocalEffective); err != nil {
		return err
	}
	if err := saveOne(c.store, cacheFileName(SideLocal, true), c.LocalComplete); err != nil {
		return err
	}
	return nil
}

func saveOne(store *jsoncache.Store, filename string, ds *model.Datasource) error {
	file := datasourceFile{Objects: map[string][]map[string]any{}, Trashbin: map[string][]trashedObject{}}
	for _, objtype := range ds.Types() {
		for _, obj := range ds.All(objtype) {
			file.Objects[objtype] = append(file.Objects[objtype], obj.Attrs())
		}
		for _, obj := range ds.TrashbinAll(objtype) {
			ts := time.Time{}
			if obj.TrashbinTimestamp != nil {
				ts = *obj.TrashbinTimestamp
			}
			file.Trashbin[objtype] = append(file.Trashbin[objtype], trashedObject{Attrs: obj.Attrs(), Timestamp: ts})
		}
	}
	return store.Save(filename, file)
}

// DeleteType purges every persisted and in-memory trace of objtype on both
// sides, used when the schema removes a type (spec §4.1).
func (c *Caches) DeleteType(objtype string) {
	c.RemoteEffective.DeleteType(objtype)
	c.RemoteComplete.DeleteType(objtype)
	c.LocalEffective.DeleteType(objtype)
	c.LocalComplete.DeleteType(objtype)
}

// Effective returns the effective-side datasource for side.
func (c *Caches) Effective(side Side) *model.Datasource {
	if side == SideLocal {
		return c.LocalEffective
	}
	return c.RemoteEffective
}

// Complete returns the complete-side datasource for side.
func (c *Caches) Complete(side Side) *model.Datasource {
	if side == SideLocal {
		return c.LocalComplete
	}
	return c.RemoteComplete
}
