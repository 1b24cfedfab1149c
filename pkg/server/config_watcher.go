package server

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// configSettleDelay lets editors finish their write-rename dance before the
// file is read
const configSettleDelay = 250 * time.Millisecond

// watchConfig reloads the channel list whenever the config file changes.
// The directory is watched because editors replace files rather than write
// them in place.
func (s *Server) watchConfig() error {
	path, err := expandHome(s.configStore.Path())
	if err != nil {
		return err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	s.wg.Add(1)
	go s.configWatchLoop(watcher, path)
	return nil
}

func (s *Server) configWatchLoop(watcher *fsnotify.Watcher, path string) {
	defer s.wg.Done()
	defer watcher.Close()

	settle := time.NewTimer(configSettleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				settle.Reset(configSettleDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			errorLog.Printf("Config watcher error: %v", err)
		case <-settle.C:
			cfg, err := s.configStore.Reload()
			if err != nil {
				errorLog.Printf("Ignoring config change: %v", err)
				continue
			}
			if s.reconcileChannels(cfg.Channels.List) {
				s.broadcastMetaData()
			}
		}
	}
}

// reconcileChannels adds and removes public channels until they match the
// given list. It reports whether anything changed.
func (s *Server) reconcileChannels(list []ChannelConfig) bool {
	if len(list) == 0 {
		return false
	}

	wanted := make(map[string]ChannelConfig, len(list))
	for _, cfg := range list {
		if name := normalizeChannelName(cfg.Name); name != "" {
			wanted[name] = cfg
		}
	}

	changed := false
	for name, cfg := range wanted {
		if _, ok := s.channels.ChannelByName(name); ok {
			continue
		}
		id, err := uuid.Parse(cfg.ID)
		if err != nil {
			id = s.ids.NewID()
		}
		ch, err := s.channels.addChannel(id, name, cfg.Description)
		if err != nil {
			errorLog.Printf("Could not add channel %s from config: %v", name, err)
			continue
		}
		log.Printf("Added channel %s from config", ch)
		changed = true
	}

	for _, ch := range s.channels.Channels() {
		if _, ok := wanted[ch.Name()]; ok {
			continue
		}
		if _, err := s.channels.RemoveChannel(ch.Name()); err != nil {
			if !errors.Is(err, ErrChannelNotFound) {
				errorLog.Printf("Could not remove channel %s: %v", ch, err)
			}
			continue
		}
		log.Printf("Removed channel %s, no longer in config", ch)
		changed = true
	}

	return changed
}
