package postmortem

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/wippyai/loadctx/errors"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := &Record{
		ContextID:         "0192f1c4-0000-7000-8000-000000000001",
		Collectible:       true,
		Variant:           "direct",
		Assemblies:        []string{"Plugin, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null"},
		ArenaBytes:        128,
		ArenaChunks:       1,
		CodeBytes:         64,
		CodeChunks:        1,
		VTables:           2,
		ReflectionTypes:   2,
		ReflectionObjects: 1,
		UnloadedAt:        at,
	}
	if err := s.Put(in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := s.Get(in.ContextID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.ContextID != in.ContextID || out.Variant != in.Variant || !out.Collectible {
		t.Errorf("Get = %+v", out)
	}
	if len(out.Assemblies) != 1 || out.Assemblies[0] != in.Assemblies[0] {
		t.Errorf("Assemblies = %v", out.Assemblies)
	}
	if out.ArenaBytes != 128 || out.CodeBytes != 64 || out.VTables != 2 {
		t.Errorf("sizes = %+v", out)
	}
	if !out.UnloadedAt.Equal(at) {
		t.Errorf("UnloadedAt = %v, want %v", out.UnloadedAt, at)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Get("nope")
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhasePostmortem, Kind: errors.KindNotFound}) {
		t.Errorf("Get missing = %v, want not_found", err)
	}
}

func TestPutRequiresID(t *testing.T) {
	s := openStore(t)
	if err := s.Put(&Record{}); err == nil {
		t.Error("Put without id should fail")
	}
}

func TestScan(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"b", "a", "c"} {
		if err := s.Put(&Record{ContextID: id}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	var ids []string
	err := s.Scan(func(r *Record) error {
		ids = append(ids, r.ContextID)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("ids = %v, want [a b c]", ids)
	}

	stop := stderrors.New("stop")
	n := 0
	err = s.Scan(func(*Record) error {
		n++
		return stop
	})
	if err != stop || n != 1 {
		t.Errorf("Scan stop: err=%v n=%d", err, n)
	}
}

func TestMarshalCanonical(t *testing.T) {
	r := &Record{ContextID: "x", ArenaBytes: 1}
	a, err := Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, _ := Marshal(r)
	if string(a) != string(b) {
		t.Error("encoding is not deterministic")
	}
	if _, err := Unmarshal([]byte{0xff}); err == nil {
		t.Error("Unmarshal of garbage should fail")
	}
}
