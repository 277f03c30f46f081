package store

import (
	"strings"

	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/pagestore"
)

// OpenMap opens (creating if necessary) the named persistent map.
func (s *Store) OpenMap(name string) (*pagestore.MVMap, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, common.New(common.Argument, "map name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.mapIDByName[name]; ok {
		return s.maps[id], nil
	}

	id := s.nextMapID
	s.nextMapID++
	m := pagestore.New(id, name, s.cfg.KeysPerPage, s.hooksFor(id), s)
	s.maps[id] = m
	s.mapIDByName[name] = id

	if err := s.meta.Put([]byte("map."+chunk.Hex(uint64(id))), []byte(name)); err != nil {
		return nil, err
	}
	if err := s.meta.Put([]byte("name."+name), []byte(chunk.Hex(uint64(id)))); err != nil {
		return nil, err
	}
	return m, nil
}

// HasMap reports whether name is a currently open (or previously
// stored and reloaded) map.
func (s *Store) HasMap(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mapIDByName[name]
	return ok
}

// HasData reports whether any user map (excluding the meta map) has
// at least one entry.
func (s *Store) HasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.maps {
		if m.Count() > 0 {
			return true
		}
	}
	return false
}

// RemoveMap drops name from the open-map registry. Per spec.md §9's
// second open question, rolling back past a removeMap does not
// restore the map: this is intentional.
func (s *Store) RemoveMap(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.mapIDByName[name]
	if !ok {
		return common.Newf(common.Argument, "map %q is not open", name)
	}
	delete(s.maps, id)
	delete(s.mapIDByName, name)

	if _, err := s.meta.Remove([]byte("map." + chunk.Hex(uint64(id)))); err != nil {
		return err
	}
	if _, err := s.meta.Remove([]byte("name." + name)); err != nil {
		return err
	}
	_, err := s.meta.Remove([]byte("root." + chunk.Hex(uint64(id))))
	return err
}

// RenameMap changes a map's name in the metadata map without
// disturbing its id or data.
func (s *Store) RenameMap(oldName, newName string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if oldName == "" || newName == "" {
		return common.New(common.Argument, "renaming the meta map, or to/from an empty name, is not permitted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.mapIDByName[oldName]
	if !ok {
		return common.Newf(common.Argument, "map %q is not open", oldName)
	}
	if _, exists := s.mapIDByName[newName]; exists {
		return common.Newf(common.Argument, "map %q already exists", newName)
	}

	delete(s.mapIDByName, oldName)
	s.mapIDByName[newName] = id

	if err := s.meta.Put([]byte("map."+chunk.Hex(uint64(id))), []byte(newName)); err != nil {
		return err
	}
	if _, err := s.meta.Remove([]byte("name." + oldName)); err != nil {
		return err
	}
	return s.meta.Put([]byte("name."+newName), []byte(chunk.Hex(uint64(id))))
}

// GetMapNames returns every currently open map's name.
func (s *Store) GetMapNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.mapIDByName))
	for n := range s.mapIDByName {
		names = append(names, n)
	}
	return names
}

// GetMapName returns the name of the map with the given id, or "" if
// no such open map exists.
func (s *Store) GetMapName(id uint32) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n, mid := range s.mapIDByName {
		if mid == id {
			return n
		}
	}
	return ""
}

// registerLoadedMap installs a map instance reconstructed during
// recovery, without touching the meta map (its entries already exist
// on disk).
func (s *Store) registerLoadedMap(id uint32, name string, root *pagestore.Page) {
	m := pagestore.New(id, name, s.cfg.KeysPerPage, s.hooksFor(id), s)
	if root != nil {
		m.SetRoot(root)
	}
	s.maps[id] = m
	s.mapIDByName[name] = id
	if id >= s.nextMapID {
		s.nextMapID = id + 1
	}
}

func trimHexSuffix(key []byte, prefix string) string {
	return strings.TrimPrefix(string(key), prefix)
}
