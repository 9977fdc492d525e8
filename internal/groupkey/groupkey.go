package groupkey

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// KeySize is the symmetric key length in bytes.
const KeySize = 32

type (
	// Key is one generation of a space's symmetric group key.
	Key struct {
		Material   []byte
		Generation int
	}

	// Service manages the per-space key lineage. A peer holds only the
	// generations it minted or imported; generations minted after its
	// removal from a space are unobtainable.
	Service interface {
		// CreateKey mints generation 0 for a new space.
		CreateKey(spaceID string) (*Key, error)

		// RotateKey mints the next generation and makes it current.
		RotateKey(spaceID string) (*Key, error)

		// CurrentKey returns the current generation's key, if any.
		CurrentKey(spaceID string) (*Key, bool)

		CurrentGeneration(spaceID string) (int, bool)

		// KeyByGeneration returns the key for an exact generation, if held.
		KeyByGeneration(spaceID string, generation int) (*Key, bool)

		// ImportKey stores key material received from another member. It
		// becomes current if its generation is the highest held.
		ImportKey(spaceID string, material []byte, generation int) error
	}
)

// MemoryService holds key lineages in process memory. Spaces live only as
// long as the process; invites re-transmit everything a new device needs.
type MemoryService struct {
	mu      sync.Mutex
	keys    map[string]map[int][]byte
	current map[string]int
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		keys:    make(map[string]map[int][]byte),
		current: make(map[string]int),
	}
}

func (s *MemoryService) CreateKey(spaceID string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[spaceID]; ok {
		return nil, fmt.Errorf("groupkey: space %s already has a key lineage", spaceID)
	}

	material, err := randomKey()
	if err != nil {
		return nil, err
	}
	s.keys[spaceID] = map[int][]byte{0: material}
	s.current[spaceID] = 0
	return &Key{Material: material, Generation: 0}, nil
}

func (s *MemoryService) RotateKey(spaceID string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, ok := s.keys[spaceID]
	if !ok {
		return nil, fmt.Errorf("groupkey: no key lineage for space %s", spaceID)
	}

	material, err := randomKey()
	if err != nil {
		return nil, err
	}
	next := s.current[spaceID] + 1
	gens[next] = material
	s.current[spaceID] = next
	return &Key{Material: material, Generation: next}, nil
}

func (s *MemoryService) CurrentKey(spaceID string) (*Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.current[spaceID]
	if !ok {
		return nil, false
	}
	material := s.keys[spaceID][gen]
	return &Key{Material: material, Generation: gen}, true
}

func (s *MemoryService) CurrentGeneration(spaceID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.current[spaceID]
	return gen, ok
}

func (s *MemoryService) KeyByGeneration(spaceID string, generation int) (*Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	material, ok := s.keys[spaceID][generation]
	if !ok {
		return nil, false
	}
	return &Key{Material: material, Generation: generation}, true
}

func (s *MemoryService) ImportKey(spaceID string, material []byte, generation int) error {
	if len(material) != KeySize {
		return fmt.Errorf("groupkey: bad key length %d", len(material))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gens, ok := s.keys[spaceID]
	if !ok {
		gens = make(map[int][]byte)
		s.keys[spaceID] = gens
	}
	gens[generation] = append([]byte(nil), material...)

	cur, ok := s.current[spaceID]
	if !ok || generation > cur {
		s.current[spaceID] = generation
	}
	return nil
}

func randomKey() ([]byte, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, err
	}
	return material, nil
}

var _ Service = (*MemoryService)(nil)
