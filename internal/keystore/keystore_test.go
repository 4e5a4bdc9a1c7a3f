package keystore

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/gagliardetto/solana-go"
)

func init() {
	// keep sealing fast in tests
	scryptN = 1 << 10
}

func TestLoadOrCreate_InMemory(t *testing.T) {
	store, err := Open("")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	defer store.Close()

	first, err := store.LoadOrCreate("primary", RolePrimary)
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}
	second, err := store.LoadOrCreate("primary", RoleFeePayer)
	if err != nil {
		t.Fatalf("second LoadOrCreate() failed: %v", err)
	}

	if !bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Error("Expected byte-identical material on successive calls")
	}
	if second.Role != RolePrimary {
		t.Errorf("Expected stored role %q to be kept, got %q", RolePrimary, second.Role)
	}
}

func TestLoadOrCreate_Persistent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keys")

	var created Identity
	{
		store, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Failed to open persistent store: %v", err)
		}
		created, err = store.LoadOrCreate("fee-payer", RoleFeePayer)
		if err != nil {
			t.Fatalf("LoadOrCreate() failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
	}

	// Reopen and verify the same key comes back
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	loaded, err := store.Load("fee-payer")
	if err != nil {
		t.Fatalf("Load() after reopen failed: %v", err)
	}
	if !loaded.PublicKey().Equals(created.PublicKey()) {
		t.Errorf("Expected %s after reopen, got %s", created.PublicKey(), loaded.PublicKey())
	}
	if loaded.Role != RoleFeePayer {
		t.Errorf("Expected role %q, got %q", RoleFeePayer, loaded.Role)
	}
}

func TestLoad_NotFound(t *testing.T) {
	store, _ := Open("")
	defer store.Close()

	if _, err := store.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// failingReads wraps a database whose reads fail while writes still land.
type failingReads struct {
	ethdb.Database
	err error
}

func (f failingReads) Get(key []byte) ([]byte, error) { return nil, f.err }

func TestLoadOrCreate_ReadErrorKeepsMaterial(t *testing.T) {
	store, err := Open("")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	defer store.Close()

	original, err := store.LoadOrCreate("primary", RolePrimary)
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	inner := store.db
	readErr := errors.New("leveldb: read i/o error")
	store.db = failingReads{Database: inner, err: readErr}

	if _, err := store.LoadOrCreate("primary", RolePrimary); !errors.Is(err, readErr) {
		t.Fatalf("Expected read error to propagate, got %v", err)
	}
	if _, err := store.Load("primary"); errors.Is(err, ErrNotFound) {
		t.Fatalf("Read error reported as not found: %v", err)
	}

	store.db = inner
	stored, err := store.Load("primary")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !bytes.Equal(stored.PrivateKey, original.PrivateKey) {
		t.Error("Stored material was replaced after a failed read")
	}
}

func TestImport_NeverOverwrites(t *testing.T) {
	store, _ := Open("")
	defer store.Close()

	original, err := store.LoadOrCreate("session", RoleSessionSigner)
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	other := solana.NewWallet().PrivateKey
	if _, err := store.Import("session", RoleSessionSigner, other); !errors.Is(err, ErrExists) {
		t.Fatalf("Expected ErrExists, got %v", err)
	}

	loaded, _ := store.Load("session")
	if !bytes.Equal(loaded.PrivateKey, original.PrivateKey) {
		t.Error("Import() replaced existing material")
	}
}

func TestImport_RejectsMalformedKey(t *testing.T) {
	store, _ := Open("")
	defer store.Close()

	if _, err := store.Import("bad", RolePrimary, solana.PrivateKey(make([]byte, 10))); err == nil {
		t.Error("Expected error for short key")
	}

	key := solana.NewWallet().PrivateKey
	tampered := append(solana.PrivateKey(nil), key...)
	tampered[40] ^= 0xff
	if _, err := store.Import("bad", RolePrimary, tampered); err == nil {
		t.Error("Expected error for key whose public half does not match")
	}
}

func TestDeleteAndNames(t *testing.T) {
	store, _ := Open("")
	defer store.Close()

	for _, name := range []string{"session", "primary", "fee-payer"} {
		if _, err := store.LoadOrCreate(name, RolePrimary); err != nil {
			t.Fatalf("LoadOrCreate(%s) failed: %v", name, err)
		}
	}

	names, err := store.Names()
	if err != nil {
		t.Fatalf("Names() failed: %v", err)
	}
	want := []string{"fee-payer", "primary", "session"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	before, _ := store.Load("primary")
	if err := store.Delete("primary"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Load("primary"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after Delete, got %v", err)
	}
	after, _ := store.LoadOrCreate("primary", RolePrimary)
	if bytes.Equal(before.PrivateKey, after.PrivateKey) {
		t.Error("Expected fresh material after Delete")
	}
}

func TestSealedRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sealed")

	store, err := Open(dbPath, WithPassphrase("correct horse"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	created, err := store.LoadOrCreate("primary", RolePrimary)
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}
	store.Close()

	// Wrong passphrase
	store, _ = Open(dbPath, WithPassphrase("battery staple"))
	if _, err := store.Load("primary"); !errors.Is(err, ErrSealed) {
		t.Errorf("Expected ErrSealed with wrong passphrase, got %v", err)
	}
	// LoadOrCreate must not mint a replacement for a record it cannot open
	if _, err := store.LoadOrCreate("primary", RolePrimary); !errors.Is(err, ErrSealed) {
		t.Errorf("Expected ErrSealed from LoadOrCreate, got %v", err)
	}
	store.Close()

	// No passphrase
	store, _ = Open(dbPath)
	if _, err := store.Load("primary"); !errors.Is(err, ErrSealed) {
		t.Errorf("Expected ErrSealed without passphrase, got %v", err)
	}
	store.Close()

	store, _ = Open(dbPath, WithPassphrase("correct horse"))
	defer store.Close()
	loaded, err := store.Load("primary")
	if err != nil {
		t.Fatalf("Load() with passphrase failed: %v", err)
	}
	if !bytes.Equal(loaded.PrivateKey, created.PrivateKey) {
		t.Error("Unsealed key differs from created key")
	}
}

func TestClosedStore(t *testing.T) {
	store, _ := Open("")
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got %v", err)
	}
	if _, err := store.LoadOrCreate("primary", RolePrimary); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestLoadOrCreate_Concurrent(t *testing.T) {
	store, _ := Open("")
	defer store.Close()

	const workers = 16
	keys := make([]solana.PublicKey, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.LoadOrCreate("primary", RolePrimary)
			if err != nil {
				t.Errorf("LoadOrCreate() failed: %v", err)
				return
			}
			keys[i] = id.PublicKey()
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if !keys[i].Equals(keys[0]) {
			t.Fatalf("worker %d saw %s, worker 0 saw %s", i, keys[i], keys[0])
		}
	}
}
