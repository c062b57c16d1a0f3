package groupmgr

import (
	xsync "github.com/xynoxa/xynoxa-desktop/internal/client/sync"
)

type FolderStatus struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	LocalRoot string        `json:"local_root"`
	Enabled   bool          `json:"enabled"`
	Running   bool          `json:"running"`
	Error     string        `json:"error,omitempty"`
	Sync      *xsync.Status `json:"sync,omitempty"`
}
