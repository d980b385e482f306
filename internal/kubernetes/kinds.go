// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kubernetes

import (
	"sort"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// VeleroGroup is the api group of the velero custom resources.
	VeleroGroup = "velero.io"
	// VeleroVersion is the served version of the velero custom resources.
	VeleroVersion = "v1"
)

// veleroKinds maps the plural resource names accepted from consumers to
// their list kinds.
var veleroKinds = map[string]string{
	"backups":                 "BackupList",
	"restores":                "RestoreList",
	"schedules":               "ScheduleList",
	"backupstoragelocations":  "BackupStorageLocationList",
	"volumesnapshotlocations": "VolumeSnapshotLocationList",
	"podvolumebackups":        "PodVolumeBackupList",
	"podvolumerestores":       "PodVolumeRestoreList",
	"backuprepositories":      "BackupRepositoryList",
	"deletebackuprequests":    "DeleteBackupRequestList",
	"downloadrequests":        "DownloadRequestList",
	"serverstatusrequests":    "ServerStatusRequestList",
}

// GroupVersionResource returns the GVR of a velero plural, and false if
// the plural is not known.
func GroupVersionResource(plural string) (schema.GroupVersionResource, bool) {
	if _, ok := veleroKinds[plural]; !ok {
		return schema.GroupVersionResource{}, false
	}
	return schema.GroupVersionResource{
		Group:    VeleroGroup,
		Version:  VeleroVersion,
		Resource: plural,
	}, true
}

// Kinds returns the known plurals in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(veleroKinds))
	for k := range veleroKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ListKinds returns the GVR to list kind mapping needed by fake dynamic
// clients.
func ListKinds() map[schema.GroupVersionResource]string {
	out := make(map[schema.GroupVersionResource]string, len(veleroKinds))
	for plural, listKind := range veleroKinds {
		gvr, _ := GroupVersionResource(plural)
		out[gvr] = listKind
	}
	return out
}
