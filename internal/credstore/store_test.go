package credstore

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"murmur-chat/client-core/pkg/models"
)

func TestIdentityPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: filepath.Join(dir, "credstore.enc"), Secret: "pass"}

	store, err := Open(opts)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	id := models.Identity{AccountID: "mur1abc", DeviceID: 1, DeviceName: "laptop", RegistrationID: 9}
	if err := store.SaveIdentity(id); err != nil {
		t.Fatalf("save identity failed: %v", err)
	}

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Identity()
	if err != nil {
		t.Fatalf("identity after reopen failed: %v", err)
	}
	if got.AccountID != id.AccountID || got.RegistrationID != id.RegistrationID {
		t.Fatalf("identity mismatch after reopen: %+v", got)
	}
}

func TestIdentityMissing(t *testing.T) {
	store, err := Open(Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := store.Identity(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	store, err := Open(Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	swapped, err := store.CompareAndSwap(KindSession, "peer", nil, []byte("v1"))
	if err != nil || !swapped {
		t.Fatalf("initial cas failed: %v swapped=%v", err, swapped)
	}
	swapped, err = store.CompareAndSwap(KindSession, "peer", nil, []byte("v2"))
	if err != nil || swapped {
		t.Fatalf("cas with nil old must fail on existing key, swapped=%v err=%v", swapped, err)
	}
	swapped, err = store.CompareAndSwap(KindSession, "peer", []byte("stale"), []byte("v2"))
	if err != nil || swapped {
		t.Fatalf("cas with stale old must fail, swapped=%v err=%v", swapped, err)
	}
	swapped, err = store.CompareAndSwap(KindSession, "peer", []byte("v1"), []byte("v2"))
	if err != nil || !swapped {
		t.Fatalf("cas with matching old must succeed, swapped=%v err=%v", swapped, err)
	}
	value, ok, err := store.Get(KindSession, "peer")
	if err != nil || !ok || string(value) != "v2" {
		t.Fatalf("unexpected value after cas: %q ok=%v err=%v", value, ok, err)
	}
}

func TestTakePrekeyConsumesAndSignalsLowWater(t *testing.T) {
	var mu sync.Mutex
	var signalled []int
	store, err := Open(Options{
		PrekeyLowWater: 2,
		OnLowPrekeys: func(remaining int) {
			mu.Lock()
			signalled = append(signalled, remaining)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	batch := []models.Prekey{
		{ID: 1, PublicKey: []byte{1}},
		{ID: 2, PublicKey: []byte{2}},
		{ID: 3, PublicKey: []byte{3}},
	}
	if err := store.PutPrekeys(batch); err != nil {
		t.Fatalf("put prekeys failed: %v", err)
	}

	pk, err := store.TakePrekey(2)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if pk.ID != 2 {
		t.Fatalf("wrong prekey taken: %d", pk.ID)
	}
	if _, err := store.TakePrekey(2); !errors.Is(err, ErrNoPrekeys) {
		t.Fatalf("second take of same id must fail, got %v", err)
	}
	if store.PrekeyCount() != 2 {
		t.Fatalf("expected 2 remaining, got %d", store.PrekeyCount())
	}

	// Drop below the low-water mark.
	if _, err := store.TakePrekey(1); err != nil {
		t.Fatalf("take failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(signalled) == 0 || signalled[len(signalled)-1] != 1 {
		t.Fatalf("expected low-water signal with remaining=1, got %v", signalled)
	}
}

func TestLockPeerSerializesSamePeerOnly(t *testing.T) {
	store, err := Open(Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	peer := models.Address{AccountID: "mur1peer", DeviceID: 1}
	other := models.Address{AccountID: "mur1other", DeviceID: 1}

	unlock := store.LockPeer(peer)

	// A different peer must not be blocked.
	done := make(chan struct{})
	go func() {
		u := store.LockPeer(other)
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct peers must lock independently")
	}

	// The same peer must wait until unlock.
	acquired := make(chan struct{})
	go func() {
		u := store.LockPeer(peer)
		u()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("same peer lock must block while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock must be released")
	}
}

func TestReplaceContactsIsAtomicSwap(t *testing.T) {
	store, err := Open(Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	first := []models.Contact{{AccountID: "mur1a", DisplayName: "A"}}
	if err := store.ReplaceContacts(first); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	second := []models.Contact{
		{AccountID: "mur1b", DisplayName: "B"},
		{AccountID: "mur1c", DisplayName: "C"},
	}
	if err := store.ReplaceContacts(second); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	got, err := store.Contacts()
	if err != nil {
		t.Fatalf("contacts failed: %v", err)
	}
	if len(got) != 2 || got[0].AccountID != "mur1b" {
		t.Fatalf("expected full replacement, got %v", got)
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	store, err := Open(Options{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.UpsertDevice(models.Device{DeviceID: 2, Name: "tablet"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.UpsertDevice(models.Device{DeviceID: 1, Name: "phone"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	devices, err := store.Devices()
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if len(devices) != 2 || devices[0].DeviceID != 1 {
		t.Fatalf("expected sorted devices, got %v", devices)
	}
	if err := store.RemoveDevice(2); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	devices, _ = store.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected one device after removal, got %v", devices)
	}
}
