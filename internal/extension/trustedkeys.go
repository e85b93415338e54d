package extension

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexusd/nexus/internal/atomicfile"
	"github.com/nexusd/nexus/internal/store"
)

// KeyStatus is the result of checking an author's public key against the
// trust-on-first-use store.
type KeyStatus int

const (
	KeyNewAuthor KeyStatus = iota
	KeyMatches
	KeyChanged
)

// TrustedKeys is the TOFU key store: the first public key seen for an
// extension id is pinned; subsequent installs/updates are checked against
// it rather than trusted blindly.
type TrustedKeys struct {
	mu   sync.Mutex
	path string
	keys map[string]string
}

// OpenTrustedKeys loads (or initializes) trusted_keys.json under dataDir.
func OpenTrustedKeys(dataDir string) (*TrustedKeys, error) {
	tk := &TrustedKeys{
		path: filepath.Join(dataDir, "trusted_keys.json"),
		keys: make(map[string]string),
	}
	if err := atomicfile.ReadJSON(tk.path, &tk.keys); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if tk.keys == nil {
		tk.keys = make(map[string]string)
	}
	return tk, nil
}

// Check compares pubKey against the pinned key for id, if any.
func (tk *TrustedKeys) Check(id, pubKey string) KeyStatus {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	existing, ok := tk.keys[id]
	if !ok {
		return KeyNewAuthor
	}
	if existing == pubKey {
		return KeyMatches
	}
	return KeyChanged
}

// Trust pins pubKey as the trusted key for id, overwriting any prior value.
func (tk *TrustedKeys) Trust(id, pubKey string) error {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.keys[id] = pubKey
	return atomicfile.WriteJSON(tk.path, tk.keys)
}

// Watch reloads the pinned keys from disk and invokes onChange on every
// write or create event for trusted_keys.json, including this process's own
// saves through Trust. It returns once the watch is established.
func (tk *TrustedKeys) Watch(ctx context.Context, onChange func()) error {
	return store.WatchFile(ctx, tk.path, func() error {
		loaded := make(map[string]string)
		if err := atomicfile.ReadJSON(tk.path, &loaded); err != nil {
			return err
		}
		tk.mu.Lock()
		tk.keys = loaded
		tk.mu.Unlock()
		return nil
	}, onChange)
}
