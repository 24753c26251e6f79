package store_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/droverhq/drover/internal/store"
)

func TestApplyEntitiesCreate(t *testing.T) {
	s := testStore(t)

	outcomes, err := s.ApplyEntities(store.KindCreate, []json.RawMessage{
		json.RawMessage(`{"id":"a","name":"one"}`),
		json.RawMessage(`{"id":"b","name":"two"}`),
	})
	if err != nil {
		t.Fatalf("ApplyEntities: %v", err)
	}
	for _, out := range outcomes {
		if !out.OK {
			t.Errorf("item %d failed: %s", out.Index, out.Error)
		}
	}

	body, err := s.GetEntity("a")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	var got struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &got); err != nil || got.Name != "one" {
		t.Errorf("entity a = %s (err %v)", body, err)
	}
}

func TestApplyEntitiesCreateDuplicate(t *testing.T) {
	s := testStore(t)

	s.ApplyEntities(store.KindCreate, []json.RawMessage{json.RawMessage(`{"id":"a"}`)})
	outcomes, err := s.ApplyEntities(store.KindCreate, []json.RawMessage{json.RawMessage(`{"id":"a"}`)})
	if err != nil {
		t.Fatalf("ApplyEntities: %v", err)
	}
	if outcomes[0].OK {
		t.Error("duplicate create succeeded")
	}
	if !strings.Contains(outcomes[0].Error, "already exists") {
		t.Errorf("error = %q, want already exists", outcomes[0].Error)
	}
}

func TestApplyEntitiesUpdateAndDelete(t *testing.T) {
	s := testStore(t)

	s.ApplyEntities(store.KindCreate, []json.RawMessage{json.RawMessage(`{"id":"a","v":1}`)})

	outcomes, err := s.ApplyEntities(store.KindUpdate, []json.RawMessage{
		json.RawMessage(`{"id":"a","v":2}`),
		json.RawMessage(`{"id":"ghost","v":2}`),
	})
	if err != nil {
		t.Fatalf("ApplyEntities update: %v", err)
	}
	if !outcomes[0].OK {
		t.Errorf("update of existing entity failed: %s", outcomes[0].Error)
	}
	if outcomes[1].OK || !strings.Contains(outcomes[1].Error, "not found") {
		t.Errorf("update of missing entity = %+v", outcomes[1])
	}

	body, _ := s.GetEntity("a")
	var got struct {
		V int `json:"v"`
	}
	json.Unmarshal(body, &got)
	if got.V != 2 {
		t.Errorf("entity a v = %d, want 2", got.V)
	}

	outcomes, err = s.ApplyEntities(store.KindDelete, []json.RawMessage{json.RawMessage(`{"id":"a"}`)})
	if err != nil {
		t.Fatalf("ApplyEntities delete: %v", err)
	}
	if !outcomes[0].OK {
		t.Errorf("delete failed: %s", outcomes[0].Error)
	}
	if _, err := s.GetEntity("a"); !store.IsNotFound(err) {
		t.Errorf("GetEntity after delete = %v, want not found", err)
	}
}

func TestApplyEntitiesMissingID(t *testing.T) {
	s := testStore(t)

	outcomes, err := s.ApplyEntities(store.KindCreate, []json.RawMessage{
		json.RawMessage(`{"name":"anonymous"}`),
		json.RawMessage(`not json`),
	})
	if err != nil {
		t.Fatalf("ApplyEntities: %v", err)
	}
	if outcomes[0].OK || outcomes[0].Error != "entity id is required" {
		t.Errorf("missing id outcome = %+v", outcomes[0])
	}
	if outcomes[1].OK || !strings.Contains(outcomes[1].Error, "invalid entity payload") {
		t.Errorf("malformed payload outcome = %+v", outcomes[1])
	}
}

func TestApplyEntitiesUnknownKind(t *testing.T) {
	s := testStore(t)
	if _, err := s.ApplyEntities("upsert", []json.RawMessage{json.RawMessage(`{"id":"a"}`)}); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
