package store

import (
	"sync"
	"testing"
	"time"
)

func TestRegisterDeviceIdempotent(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, nil)

	if n := s.RegisterDevice(roomA, "tok"); n != 1 {
		t.Fatalf("expected 1 device, got %d", n)
	}
	first := s.Devices(roomA)[0].RegisteredAt
	clock.Advance(time.Minute)
	if n := s.RegisterDevice(roomA, "tok"); n != 1 {
		t.Fatalf("re-registering must not duplicate, got %d", n)
	}
	if got := s.Devices(roomA)[0].RegisteredAt; !got.After(first) {
		t.Error("re-registering must refresh the timestamp")
	}
}

func TestRegisterDeviceMigratesBetweenRooms(t *testing.T) {
	s := newTestStore(t, newFakeClock(), nil)

	s.RegisterDevice(roomA, "tok")
	s.RegisterDevice(roomA, "other")
	s.RegisterDevice(roomB, "tok")

	for _, d := range s.Devices(roomA) {
		if d.Token == "tok" {
			t.Fatal("token must be removed from room A")
		}
	}
	devs := s.Devices(roomB)
	if len(devs) != 1 || devs[0].Token != "tok" {
		t.Fatalf("expected token only in room B, got %+v", devs)
	}
}

func TestDeviceEvictionLeastRecentlyDelivered(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, func(o *Options) { o.MaxDevices = 3 })

	for _, tok := range []string{"t1", "t2", "t3"} {
		s.RegisterDevice(roomA, tok)
		clock.Advance(time.Second)
	}
	// t1 got a delivery, so t2 is now the least recent
	s.TouchDevice(roomA, "t1")
	clock.Advance(time.Second)

	s.RegisterDevice(roomA, "t4")

	got := map[string]bool{}
	for _, d := range s.Devices(roomA) {
		got[d.Token] = true
	}
	if len(got) != 3 || got["t2"] || !got["t1"] || !got["t3"] || !got["t4"] {
		t.Errorf("expected t1,t3,t4 to remain, got %v", got)
	}
}

func TestUnregisterAndTouchDevice(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, nil)

	if s.UnregisterDevice(roomA, "tok") {
		t.Error("unregister on unknown room must report false")
	}
	s.RegisterDevice(roomA, "tok")
	clock.Advance(time.Second)
	s.TouchDevice(roomA, "tok")
	if d := s.Devices(roomA)[0]; !d.LastDeliveredAt.Equal(clock.Now()) {
		t.Errorf("expected delivery time %s, got %s", clock.Now(), d.LastDeliveredAt)
	}
	if !s.UnregisterDevice(roomA, "tok") {
		t.Error("expected unregister to succeed")
	}
	if s.UnregisterDevice(roomA, "tok") {
		t.Error("second unregister must report false")
	}
	if len(s.Devices(roomA)) != 0 {
		t.Error("expected no devices")
	}
}

func TestRegisterWebPush(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, func(o *Options) { o.MaxDevices = 2 })

	sub := WebPushSubscription{Endpoint: "https://push.example/1", P256dh: "p1", Auth: "a1"}
	s.RegisterWebPush(roomA, sub)

	// same endpoint with rotated keys replaces the entry
	sub.P256dh = "p1b"
	if n := s.RegisterWebPush(roomA, sub); n != 1 {
		t.Fatalf("expected 1 subscription, got %d", n)
	}
	if got := s.WebPushTargets(roomA)[0].Subscription.P256dh; got != "p1b" {
		t.Errorf("expected refreshed keys, got %s", got)
	}

	clock.Advance(time.Second)
	s.RegisterWebPush(roomA, WebPushSubscription{Endpoint: "https://push.example/2"})
	clock.Advance(time.Second)
	s.TouchWebPush(roomA, "https://push.example/1")
	clock.Advance(time.Second)
	s.RegisterWebPush(roomA, WebPushSubscription{Endpoint: "https://push.example/3"})

	got := map[string]bool{}
	for _, w := range s.WebPushTargets(roomA) {
		got[w.Subscription.Endpoint] = true
	}
	if len(got) != 2 || got["https://push.example/2"] {
		t.Errorf("expected endpoint 2 evicted, got %v", got)
	}

	// key rotation moves the subscription
	s.RegisterWebPush(roomB, WebPushSubscription{Endpoint: "https://push.example/1"})
	for _, w := range s.WebPushTargets(roomA) {
		if w.Subscription.Endpoint == "https://push.example/1" {
			t.Error("endpoint must leave room A")
		}
	}
	if !s.UnregisterWebPush(roomB, "https://push.example/1") {
		t.Error("expected unregister in room B to succeed")
	}
}

func TestConcurrentMigrationKeepsOneRoom(t *testing.T) {
	s := newTestStore(t, newFakeClock(), nil)
	sub := WebPushSubscription{Endpoint: "https://push.example/race"}

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		for _, key := range []string{roomA, roomB} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				s.RegisterDevice(key, "tok")
				s.RegisterWebPush(key, sub)
			}(key)
		}
		wg.Wait()

		devices, subs := 0, 0
		for _, key := range []string{roomA, roomB} {
			for _, d := range s.Devices(key) {
				if d.Token == "tok" {
					devices++
				}
			}
			subs += len(s.WebPushTargets(key))
		}
		if devices != 1 || subs != 1 {
			t.Fatalf("iteration %d: expected token and subscription in exactly one room, got %d and %d", i, devices, subs)
		}
	}
}
