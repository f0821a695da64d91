package registry

import (
	"database/sql"
	"testing"
)

func newMemRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestMigrationsApplied(t *testing.T) {
	r := newMemRegistry(t)

	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	r := newMemRegistry(t)

	if err := r.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestCreateAndListSinks(t *testing.T) {
	r := newMemRegistry(t)

	idx, err := r.CreateSink(Sink{Name: "sink0", Description: "Builtin", Format: 3, Rate: 44100, Channels: 2, Volume: 65536})
	if err != nil {
		t.Fatalf("CreateSink: %v", err)
	}

	got, err := r.GetSinkByIndex(idx)
	if err != nil {
		t.Fatalf("GetSinkByIndex: %v", err)
	}
	if got.Name != "sink0" || got.Rate != 44100 {
		t.Errorf("unexpected sink: %+v", got)
	}

	byName, err := r.GetSinkByName("sink0")
	if err != nil {
		t.Fatalf("GetSinkByName: %v", err)
	}
	if byName.Index != idx {
		t.Errorf("index mismatch: %d vs %d", byName.Index, idx)
	}

	list, err := r.ListSinks()
	if err != nil {
		t.Fatalf("ListSinks: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 sink, got %d", len(list))
	}
}

func TestDuplicateSinkNameRejected(t *testing.T) {
	r := newMemRegistry(t)
	if _, err := r.CreateSink(Sink{Name: "dup", Format: 3, Rate: 44100, Channels: 2}); err != nil {
		t.Fatalf("first CreateSink: %v", err)
	}
	if _, err := r.CreateSink(Sink{Name: "dup", Format: 3, Rate: 44100, Channels: 2}); err == nil {
		t.Error("expected duplicate name to fail")
	}
}

func TestSetSinkVolumeAndDelete(t *testing.T) {
	r := newMemRegistry(t)
	idx, _ := r.CreateSink(Sink{Name: "sink0", Format: 3, Rate: 44100, Channels: 2, Volume: 65536})

	if err := r.SetSinkVolume(idx, 32768); err != nil {
		t.Fatalf("SetSinkVolume: %v", err)
	}
	got, _ := r.GetSinkByIndex(idx)
	if got.Volume != 32768 {
		t.Errorf("expected volume 32768, got %d", got.Volume)
	}

	if err := r.DeleteSink(idx); err != nil {
		t.Fatalf("DeleteSink: %v", err)
	}
	if _, err := r.GetSinkByIndex(idx); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows after delete, got %v", err)
	}
	if err := r.DeleteSink(idx); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows deleting twice, got %v", err)
	}
}

func TestSourcesMonitorOfSink(t *testing.T) {
	r := newMemRegistry(t)
	sinkIdx, _ := r.CreateSink(Sink{Name: "sink0", Format: 3, Rate: 44100, Channels: 2})

	srcIdx, err := r.CreateSource(Source{Name: "sink0.monitor", Format: 3, Rate: 44100, Channels: 2, MonitorOfSink: sinkIdx})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	list, err := r.ListSources()
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(list) != 1 || list[0].Index != srcIdx || list[0].MonitorOfSink != sinkIdx {
		t.Errorf("unexpected source list: %+v", list)
	}

	if err := r.DeleteSource(srcIdx); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
}

func TestLoadAndUnloadModuleAssignsUniqueInstanceIDs(t *testing.T) {
	r := newMemRegistry(t)

	idxA, err := r.LoadModule("module-foo", "arg1")
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	idxB, err := r.LoadModule("module-foo", "arg2")
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if idxA == idxB {
		t.Fatal("expected distinct wire indexes for distinct loads")
	}

	a, err := r.GetModule(idxA)
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	b, err := r.GetModule(idxB)
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	if a.InstanceID == "" || b.InstanceID == "" || a.InstanceID == b.InstanceID {
		t.Errorf("expected distinct non-empty instance ids, got %q and %q", a.InstanceID, b.InstanceID)
	}

	list, err := r.ListModules()
	if err != nil {
		t.Fatalf("ListModules: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(list))
	}

	if err := r.UnloadModule(idxA); err != nil {
		t.Fatalf("UnloadModule: %v", err)
	}
	if _, err := r.GetModule(idxA); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows after unload, got %v", err)
	}
}

func TestAutoloadAddGetRemoveByNameAndIndex(t *testing.T) {
	r := newMemRegistry(t)

	idx, err := r.AddAutoload(AutoloadRule{Name: "sink0", Kind: 0, Module: "module-null-sink", Argument: "sink_name=sink0"})
	if err != nil {
		t.Fatalf("AddAutoload: %v", err)
	}

	byName, err := r.GetAutoloadByName("sink0", 0)
	if err != nil {
		t.Fatalf("GetAutoloadByName: %v", err)
	}
	if byName.Module != "module-null-sink" {
		t.Errorf("unexpected module: %q", byName.Module)
	}

	byIndex, err := r.GetAutoloadByIndex(idx)
	if err != nil {
		t.Fatalf("GetAutoloadByIndex: %v", err)
	}
	if byIndex.Name != "sink0" {
		t.Errorf("unexpected name: %q", byIndex.Name)
	}

	// Re-adding the same (name, kind) updates in place rather than
	// duplicating the row.
	if _, err := r.AddAutoload(AutoloadRule{Name: "sink0", Kind: 0, Module: "module-other", Argument: ""}); err != nil {
		t.Fatalf("AddAutoload (update): %v", err)
	}
	list, err := r.ListAutoload()
	if err != nil {
		t.Fatalf("ListAutoload: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 rule after upsert, got %d", len(list))
	}
	if list[0].Module != "module-other" {
		t.Errorf("expected updated module, got %q", list[0].Module)
	}

	if err := r.RemoveAutoloadByName("sink0", 0); err != nil {
		t.Fatalf("RemoveAutoloadByName: %v", err)
	}
	if _, err := r.GetAutoloadByName("sink0", 0); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows after remove, got %v", err)
	}
}

func TestAutoloadRemoveByIndex(t *testing.T) {
	r := newMemRegistry(t)
	idx, _ := r.AddAutoload(AutoloadRule{Name: "source0", Kind: 1, Module: "module-null-source"})

	if err := r.RemoveAutoloadByIndex(idx); err != nil {
		t.Fatalf("RemoveAutoloadByIndex: %v", err)
	}
	if _, err := r.GetAutoloadByIndex(idx); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestSampleUpsertAndRemove(t *testing.T) {
	r := newMemRegistry(t)

	idx, err := r.AddSample(Sample{Name: "boop", Volume: 65536, Format: 3, Rate: 44100, Channels: 1, Bytes: 4096, Lazy: true, Filename: "/tmp/boop.wav"})
	if err != nil {
		t.Fatalf("AddSample: %v", err)
	}

	got, err := r.GetSampleByIndex(idx)
	if err != nil {
		t.Fatalf("GetSampleByIndex: %v", err)
	}
	if !got.Lazy || got.Filename != "/tmp/boop.wav" {
		t.Errorf("unexpected sample: %+v", got)
	}

	if _, err := r.AddSample(Sample{Name: "boop", Volume: 32768, Format: 3, Rate: 44100, Channels: 1, Bytes: 2048}); err != nil {
		t.Fatalf("AddSample (update): %v", err)
	}
	updated, err := r.GetSampleByName("boop")
	if err != nil {
		t.Fatalf("GetSampleByName: %v", err)
	}
	if updated.Volume != 32768 || updated.Bytes != 2048 {
		t.Errorf("expected updated fields, got %+v", updated)
	}

	list, err := r.ListSamples()
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 sample after upsert, got %d", len(list))
	}

	if err := r.RemoveSample("boop"); err != nil {
		t.Fatalf("RemoveSample: %v", err)
	}
	if _, err := r.GetSampleByName("boop"); err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows after remove, got %v", err)
	}
}
