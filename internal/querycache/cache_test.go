package querycache

import (
	"testing"

	"recall/internal/models"
)

func TestNotifyInvalidatesOnlyThatType(t *testing.T) {
	c, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	c.Set(models.EntityAssets, "list", []byte("a"))
	c.Set(models.EntityWorks, "list", []byte("w"))
	c.Notify(models.EntityAssets)

	if _, ok := c.Get(models.EntityAssets, "list"); ok {
		t.Fatalf("assets entry survived invalidation")
	}
	if data, ok := c.Get(models.EntityWorks, "list"); !ok || string(data) != "w" {
		t.Fatalf("works entry lost: %q %v", data, ok)
	}
}

func TestLoadCachesUntilNotified(t *testing.T) {
	c, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	calls := 0
	load := func() ([]string, error) {
		calls++
		return []string{"x", "y"}, nil
	}
	for range 3 {
		got, err := Load(c, models.EntityBlobsMeta, "stats", load)
		if err != nil || len(got) != 2 {
			t.Fatalf("load: %v %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
	c.Notify(models.EntityBlobsMeta)
	if _, err := Load(c, models.EntityBlobsMeta, "stats", load); err != nil {
		t.Fatalf("load: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected reload after notify, got %d calls", calls)
	}
}

func TestLoadWithoutCache(t *testing.T) {
	got, err := Load(nil, models.EntityWorks, "q", func() (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("nil cache load: %d %v", got, err)
	}
}
