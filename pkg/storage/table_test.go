package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

func TestTable_RoundTrip(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	table := storage.NewTable[*model.Alarm]("alarm", store.Keyspace("alarm", 0))

	a := &model.Alarm{
		ID:        model.AlarmID(202401011200, model.ErrorRate, model.Caller, 3),
		EntityID:  3,
		AlarmType: model.ErrorRate,
		Content:   "boom",
	}
	if err := table.Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := table.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "boom" || got.AlarmType != model.ErrorRate {
		t.Errorf("Unexpected record %+v", got)
	}
}

func TestTable_GetMissing(t *testing.T) {
	table := storage.NewTable[*model.Metric]("m", memory.New().Keyspace("m", 0))
	got, err := table.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil record, got %+v", got)
	}
}

func TestTable_ListWithFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	table := storage.NewTable[*model.ServiceName]("svc", memory.New().Keyspace("svc", 0))

	for i := 1; i <= 5; i++ {
		table.Upsert(ctx, &model.ServiceName{ID: i, ApplicationID: i % 2, Name: "svc"})
	}

	odd, err := table.List(ctx, "", func(s *model.ServiceName) bool { return s.ApplicationID == 1 }, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(odd) != 3 {
		t.Errorf("Expected 3 services of application 1, got %d", len(odd))
	}

	limited, _ := table.List(ctx, "", nil, 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(limited))
	}
}

func TestTable_DecodeError(t *testing.T) {
	ctx := context.Background()
	kv := memory.New().Keyspace("bad", 0)
	kv.Set(ctx, "x", []byte("not json"))

	table := storage.NewTable[*model.Metric]("bad", kv)
	if _, err := table.Get(ctx, "x"); err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected decode error, got %v", err)
	}
}
