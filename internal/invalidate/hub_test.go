package invalidate

import (
	"sync"
	"testing"

	"recall/internal/models"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	got := map[models.EntityType]int{}

	cancel := h.SubscribeEntities(func(et models.EntityType) {
		mu.Lock()
		got[et]++
		mu.Unlock()
	})
	h.Notify(models.EntityAssets)
	h.Notify(models.EntityCards)
	h.Wait()

	mu.Lock()
	if got[models.EntityAssets] != 1 || got[models.EntityCards] != 1 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	mu.Unlock()

	cancel()
	h.Notify(models.EntityAssets)
	h.Wait()
	mu.Lock()
	defer mu.Unlock()
	if got[models.EntityAssets] != 1 {
		t.Fatalf("delivery after unsubscribe: %v", got)
	}
}

func TestHubUnsubscribeIsPerSubscriber(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	var a, b int
	cancelA := h.Subscribe("topic", func(string) { mu.Lock(); a++; mu.Unlock() })
	h.Subscribe("topic", func(string) { mu.Lock(); b++; mu.Unlock() })

	cancelA()
	cancelA()
	h.Publish("topic")
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	if a != 0 || b != 1 {
		t.Fatalf("a=%d b=%d, want 0 and 1", a, b)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub()
	h.Publish("nobody")
	h.Wait()

	var calls int
	Multi{Func(func(models.EntityType) { calls++ }), nil}.Notify(models.EntityWorks)
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}
