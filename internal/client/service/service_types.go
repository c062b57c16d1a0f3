package service

import (
	"github.com/xynoxa/xynoxa-desktop/internal/client/groupmgr"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

type Status struct {
	LoggedIn       bool                    `json:"logged_in"`
	SetupCompleted bool                    `json:"setup_completed"`
	Syncing        bool                    `json:"syncing"`
	ServerURL      string                  `json:"server_url,omitempty"`
	Account        *remote.Account         `json:"account,omitempty"`
	Folders        []groupmgr.FolderStatus `json:"folders"`
}
