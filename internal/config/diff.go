package config

// Diff lists channel IDs that must be started, stopped or restarted to move
// from old to new. Channels are immutable, so any field change means a
// restart.
func Diff(old, new *Config) (added, removed, changed []string) {
	prev := make(map[string]Channel)
	if old != nil {
		for _, ch := range old.EnabledChannels() {
			prev[ch.ID] = ch
		}
	}
	next := make(map[string]bool)
	for _, ch := range new.EnabledChannels() {
		next[ch.ID] = true
		p, ok := prev[ch.ID]
		switch {
		case !ok:
			added = append(added, ch.ID)
		case p != ch:
			changed = append(changed, ch.ID)
		}
	}
	if old != nil {
		for _, ch := range old.EnabledChannels() {
			if !next[ch.ID] {
				removed = append(removed, ch.ID)
			}
		}
	}
	return added, removed, changed
}
