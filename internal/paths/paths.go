// Package paths provides the filesystem locations used by simhost.
// These helpers take configuration as input to avoid global config coupling.
package paths

import (
	"path/filepath"

	"github.com/spin-stack/simhost/internal/config"
)

// DBFile is the bbolt database file name inside the state directory.
const DBFile = "simhost.db"

// DBPath returns the full path to the record database.
func DBPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, DBFile)
}
