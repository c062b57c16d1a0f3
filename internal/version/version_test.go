package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	assert.Contains(t, Short(), Version)
	assert.Contains(t, Short(), Revision)
	assert.Contains(t, Detailed(), "/")
	assert.True(t, strings.HasPrefix(UserAgent(), "xynoxa-desktop/"))
}

func TestFillFromBuildInfo(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	Version, Revision, BuildDate = devVersion, "HEAD", "unknown"
	fillFromBuildInfo("v1.2.3", map[string]string{
		"vcs.revision": "0123456789abcdef0123",
		"vcs.modified": "true",
		"vcs.time":     "2026-01-02T03:04:05Z",
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "0123456789ab-dirty", Revision)
	assert.Equal(t, "2026-01-02T03:04:05Z", BuildDate)
}

func TestFillFromBuildInfo_KeepsLdflags(t *testing.T) {
	origVersion, origRevision := Version, Revision
	t.Cleanup(func() { Version, Revision = origVersion, origRevision })

	Version, Revision = "2.0.0", "cafebabe"
	fillFromBuildInfo("(devel)", map[string]string{"vcs.revision": "deadbeef"})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "cafebabe", Revision)
}
