package updater

import (
	"strconv"
)

const keyPrefix = "updater:"

const (
	groupsKey     = keyPrefix + "groups"
	historyKey    = keyPrefix + "history"
	settingsKey   = keyPrefix + "settings"
	autoUpdateKey = keyPrefix + "auto_update_last_run"
)

// groupLabel renders a group id for keys; 0 is the global group.
func groupLabel(groupID int64) string {
	if groupID == 0 {
		return "global"
	}
	return strconv.FormatInt(groupID, 10)
}

func statusKey(groupID int64, queueID string) string {
	return keyPrefix + "status:" + groupLabel(groupID) + ":" + queueID
}

func workKey(groupID int64, queueID string) string {
	return keyPrefix + "queue:" + groupLabel(groupID) + ":" + queueID
}

func activeKey(groupID int64) string {
	return keyPrefix + "active:" + groupLabel(groupID)
}
