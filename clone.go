package fetchcache

import (
	"github.com/mitchellh/copystructure"
)

// cloneValue deep-copies a cached value for a reader, when UseClones is
// set. Values that cannot be copied (e.g. containing channels) are returned
// as the shared reference, with a warning logged.
func (x *Cacher[K, V]) cloneValue(value V) V {
	copied, err := copystructure.Copy(value)
	if err != nil {
		x.cfg.logger.Warning().
			Err(err).
			Log(`clone failed, returning shared reference`)
		return value
	}
	v, ok := copied.(V)
	if !ok {
		return value
	}
	return v
}
