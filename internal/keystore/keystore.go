// Package keystore persists the signing identities of a client.
//
// Each identity lives under a fixed name as a small JSON record tagged with a
// format string. Existing material is never overwritten: LoadOrCreate only
// generates a key when nothing is stored under the name yet.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	// FormatTag marks every stored record.
	FormatTag = "ledgersync-key/v1"

	// Key material is tiny; keep LevelDB's footprint small.
	storeCacheMB = 4
	storeHandles = 16

	keyPrefix = "key:"
)

// scrypt cost parameters for passphrase sealing. N is a variable so tests can
// lower it.
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	ErrNotFound = errors.New("identity not found")
	ErrExists   = errors.New("identity already exists")
	// ErrSealed means the record is sealed and the passphrase is missing or wrong.
	ErrSealed = errors.New("identity is sealed")
	ErrClosed = errors.New("key store is closed")
)

// Role describes what an identity is used for.
type Role string

const (
	RolePrimary       Role = "primary"
	RoleFeePayer      Role = "fee-payer"
	RoleSessionSigner Role = "session-signer"
)

// Identity is one named signing key.
type Identity struct {
	Name       string
	Role       Role
	PrivateKey solana.PrivateKey
}

// PublicKey returns the identity's address.
func (id Identity) PublicKey() solana.PublicKey { return id.PrivateKey.PublicKey() }

type record struct {
	Format string        `json:"format"`
	Role   Role          `json:"role"`
	Secret string        `json:"secret,omitempty"`
	Sealed *sealedSecret `json:"sealed,omitempty"`
}

type sealedSecret struct {
	Salt  string `json:"salt"`
	Nonce string `json:"nonce"`
	Box   string `json:"box"`
}

// Option configures a Store.
type Option func(*Store)

// WithPassphrase seals new records with a key derived from passphrase and
// unseals existing sealed records.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

// Store keeps identities in a LevelDB database, or in memory when no path is
// configured.
type Store struct {
	db         ethdb.Database
	mu         sync.RWMutex
	closed     bool
	passphrase []byte
	log        log.Logger
}

// Open opens the store at path. An empty path gives an in-memory store whose
// identities last for the life of the process. Unlike a cache, a store with a
// path never falls back to memory: losing the file would mint new identities.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{log: log.New("component", "keystore")}
	for _, opt := range opts {
		opt(s)
	}

	if path == "" {
		s.db = rawdb.NewMemoryDatabase()
		s.log.Info("using in-memory key store")
		return s, nil
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create key store directory %s: %w", path, err)
	}
	ldb, err := leveldb.New(path, storeCacheMB, storeHandles, "", false)
	if err != nil {
		return nil, fmt.Errorf("open key store %s: %w", path, err)
	}
	s.db = rawdb.NewDatabase(ldb)
	s.log.Info("opened key store", "path", path, "sealed", s.passphrase != nil)
	return s, nil
}

func dbKey(name string) []byte {
	return append([]byte(keyPrefix), name...)
}

// LoadOrCreate returns the identity stored under name, generating and
// persisting a new key with the given role if none exists.
func (s *Store) LoadOrCreate(name string, role Role) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Identity{}, ErrClosed
	}

	id, err := s.loadLocked(name)
	if !errors.Is(err, ErrNotFound) {
		return id, err
	}

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Identity{}, fmt.Errorf("generate key for %s: %w", name, err)
	}
	id = Identity{Name: name, Role: role, PrivateKey: key}
	if err := s.putLocked(id); err != nil {
		return Identity{}, err
	}
	s.log.Info("created identity", "name", name, "role", role, "address", id.PublicKey())
	return id, nil
}

// Load returns the identity stored under name or ErrNotFound.
func (s *Store) Load(name string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Identity{}, ErrClosed
	}
	return s.loadLocked(name)
}

// Import stores an existing key under name. It fails with ErrExists rather
// than replace stored material.
func (s *Store) Import(name string, role Role, key solana.PrivateKey) (Identity, error) {
	if err := validateKey(key); err != nil {
		return Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Identity{}, ErrClosed
	}
	ok, err := s.db.Has(dbKey(name))
	if err != nil {
		return Identity{}, fmt.Errorf("lookup identity %s: %w", name, err)
	}
	if ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	id := Identity{Name: name, Role: role, PrivateKey: append(solana.PrivateKey(nil), key...)}
	if err := s.putLocked(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Delete removes the identity stored under name. Deleting a missing name is
// not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Delete(dbKey(name))
}

// Names lists stored identity names in sorted order.
func (s *Store) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	it := s.db.NewIterator([]byte(keyPrefix), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(keyPrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate key store: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) loadLocked(name string) (Identity, error) {
	ok, err := s.db.Has(dbKey(name))
	if err != nil {
		return Identity{}, fmt.Errorf("lookup identity %s: %w", name, err)
	}
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, err := s.db.Get(dbKey(name))
	if err != nil {
		return Identity{}, fmt.Errorf("read identity %s: %w", name, err)
	}
	if len(data) == 0 {
		return Identity{}, fmt.Errorf("identity %s: empty record", name)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Identity{}, fmt.Errorf("decode identity %s: %w", name, err)
	}
	if rec.Format != FormatTag {
		return Identity{}, fmt.Errorf("identity %s: unsupported format %q", name, rec.Format)
	}

	var secret []byte
	switch {
	case rec.Sealed != nil:
		secret, err = s.unseal(rec.Sealed)
	case rec.Secret != "":
		secret, err = base58.Decode(rec.Secret)
	default:
		err = errors.New("record holds no secret")
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity %s: %w", name, err)
	}

	key := solana.PrivateKey(secret)
	if err := validateKey(key); err != nil {
		return Identity{}, fmt.Errorf("identity %s: %w", name, err)
	}
	return Identity{Name: name, Role: rec.Role, PrivateKey: key}, nil
}

func (s *Store) putLocked(id Identity) error {
	rec := record{Format: FormatTag, Role: id.Role}
	if s.passphrase != nil {
		sealed, err := s.seal(id.PrivateKey)
		if err != nil {
			return fmt.Errorf("seal identity %s: %w", id.Name, err)
		}
		rec.Sealed = sealed
	} else {
		rec.Secret = base58.Encode(id.PrivateKey)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", id.Name, err)
	}
	if err := s.db.Put(dbKey(id.Name), data); err != nil {
		return fmt.Errorf("store identity %s: %w", id.Name, err)
	}
	return nil
}

func validateKey(key solana.PrivateKey) error {
	if len(key) != 64 {
		return fmt.Errorf("invalid private key length %d", len(key))
	}
	// the second half of an ed25519 private key is its public key
	if !key.PublicKey().Equals(solana.PublicKeyFromBytes(key[32:])) {
		return errors.New("private key does not match its public half")
	}
	return nil
}

func deriveKey(passphrase, salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}

func (s *Store) seal(secret []byte) (*sealedSecret, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	key, err := deriveKey(s.passphrase, salt)
	if err != nil {
		return nil, err
	}
	box := secretbox.Seal(nil, secret, &nonce, key)
	return &sealedSecret{
		Salt:  base58.Encode(salt),
		Nonce: base58.Encode(nonce[:]),
		Box:   base58.Encode(box),
	}, nil
}

func (s *Store) unseal(sealed *sealedSecret) ([]byte, error) {
	if s.passphrase == nil {
		return nil, fmt.Errorf("%w: no passphrase configured", ErrSealed)
	}
	salt, err := base58.Decode(sealed.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonceBytes, err := base58.Decode(sealed.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		return nil, errors.New("malformed nonce")
	}
	box, err := base58.Decode(sealed.Box)
	if err != nil {
		return nil, fmt.Errorf("decode box: %w", err)
	}
	key, err := deriveKey(s.passphrase, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	secret, ok := secretbox.Open(nil, box, &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: wrong passphrase", ErrSealed)
	}
	return secret, nil
}
