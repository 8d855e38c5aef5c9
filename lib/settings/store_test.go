package settings

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/store"
	"github.com/TecharoHQ/commenthash/lib/store/memory"
	"github.com/google/uuid"
)

var defaults = Settings{
	Difficulty: 5,
	MaxAge:     2 * time.Hour,
}

func TestLoadFirstRun(t *testing.T) {
	backend := memory.New(t.Context())
	s := NewStore(backend)

	if _, ok := s.Current(); ok {
		t.Fatal("store reports settings before Load")
	}

	got, err := s.Load(t.Context(), defaults)
	if err != nil {
		t.Fatal(err)
	}

	if len(got.SecretKey) != internal.SecretKeyLength {
		t.Errorf("wanted a %d character key, got: %q", internal.SecretKeyLength, got.SecretKey)
	}

	id, err := uuid.Parse(got.KeyID)
	if err != nil {
		t.Fatalf("key ID is not a UUID: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("wanted a version 7 key ID, got: %d", id.Version())
	}

	persisted, err := (&store.JSON[Settings]{Underlying: backend}).Get(t.Context(), Key)
	if err != nil {
		t.Fatalf("settings were not persisted: %v", err)
	}
	if persisted != got {
		t.Errorf("persisted %+v differs from loaded %+v", persisted, got)
	}

	// A restart sees the same key.
	again, err := NewStore(backend).Load(t.Context(), defaults)
	if err != nil {
		t.Fatal(err)
	}
	if again.SecretKey != got.SecretKey {
		t.Error("second Load generated a new secret key")
	}
}

func TestLoadClampsDefaults(t *testing.T) {
	s := NewStore(memory.New(t.Context()))

	got, err := s.Load(t.Context(), Settings{Difficulty: 9, MaxAge: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if got.Difficulty != MaxDifficulty {
		t.Errorf("wanted difficulty %d, got: %d", MaxDifficulty, got.Difficulty)
	}
	if got.MaxAge != MinMaxAgeSeconds*time.Second {
		t.Errorf("wanted max age %ds, got: %s", MinMaxAgeSeconds, got.MaxAge)
	}
}

func TestLoadRejectsCorruptSettings(t *testing.T) {
	backend := memory.New(t.Context())
	if err := backend.Set(t.Context(), Key, []byte(`{"secret_key":"nope","difficulty":5,"max_age":7200000000000}`), 0); err != nil {
		t.Fatal(err)
	}

	if _, err := NewStore(backend).Load(t.Context(), defaults); !errors.Is(err, ErrSecretKeyWrongLength) {
		t.Errorf("wanted %v, got: %v", ErrSecretKeyWrongLength, err)
	}

	if err := backend.Set(t.Context(), Key, []byte(`not json`), 0); err != nil {
		t.Fatal(err)
	}

	if _, err := NewStore(backend).Load(t.Context(), defaults); !errors.Is(err, store.ErrCantDecode) {
		t.Errorf("wanted %v, got: %v", store.ErrCantDecode, err)
	}
}

func TestLoadKeyGenerationFailure(t *testing.T) {
	errBroken := errors.New("broken entropy")

	s := NewStore(memory.New(t.Context()))
	s.GenerateKey = func() (string, error) { return "", errBroken }

	if _, err := s.Load(t.Context(), defaults); !errors.Is(err, errBroken) {
		t.Errorf("wanted %v, got: %v", errBroken, err)
	}
}

func TestRotateSecret(t *testing.T) {
	s := NewStore(memory.New(t.Context()))

	if _, err := s.RotateSecret(t.Context()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("wanted %v, got: %v", ErrNotLoaded, err)
	}

	before, err := s.Load(t.Context(), defaults)
	if err != nil {
		t.Fatal(err)
	}

	after, err := s.RotateSecret(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if after.SecretKey == before.SecretKey {
		t.Error("secret key did not change")
	}
	if after.KeyID == before.KeyID {
		t.Error("key ID did not change")
	}
	if after.Difficulty != before.Difficulty || after.MaxAge != before.MaxAge {
		t.Error("rotation changed unrelated settings")
	}

	cur, _ := s.Current()
	if cur != after {
		t.Errorf("current %+v is not the rotated settings %+v", cur, after)
	}
}

func TestUpdate(t *testing.T) {
	s := NewStore(memory.New(t.Context()))
	if _, err := s.Load(t.Context(), defaults); err != nil {
		t.Fatal(err)
	}

	got, err := s.Update(t.Context(), func(st *Settings) error {
		st.Difficulty = 12
		st.MaxAge = 10 * time.Minute
		st.AdminBypass = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.Difficulty != MaxDifficulty || got.MaxAge != 10*time.Minute || !got.AdminBypass {
		t.Errorf("unexpected settings after update: %+v", got)
	}

	errNope := errors.New("nope")
	if _, err := s.Update(t.Context(), func(st *Settings) error {
		st.Difficulty = 2
		return errNope
	}); !errors.Is(err, errNope) {
		t.Errorf("wanted %v, got: %v", errNope, err)
	}

	if _, err := s.Update(t.Context(), func(st *Settings) error {
		st.SecretKey = "short"
		return nil
	}); !errors.Is(err, ErrSecretKeyWrongLength) {
		t.Errorf("wanted %v, got: %v", ErrSecretKeyWrongLength, err)
	}

	cur, _ := s.Current()
	if cur != got {
		t.Errorf("failed updates changed the current settings: %+v", cur)
	}
}

func TestConcurrentReaders(t *testing.T) {
	s := NewStore(memory.New(t.Context()))
	if _, err := s.Load(t.Context(), defaults); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				cur, ok := s.Current()
				if !ok || cur.Valid() != nil {
					t.Error("reader saw invalid settings")
					return
				}
			}
		}()
	}

	for range 10 {
		if _, err := s.RotateSecret(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	wg.Wait()
}
