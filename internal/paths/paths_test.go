package paths

import (
	"testing"

	"github.com/spin-stack/simhost/internal/config"
)

func TestDBPath(t *testing.T) {
	got := DBPath(config.PathsConfig{StateDir: "/var/lib/simhost/"})
	if want := "/var/lib/simhost/simhost.db"; got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
}
