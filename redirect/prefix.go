// Copyright (C) 2022 K2 Cyber Security Inc.

package redirect

import "strings"

const (
	dataPrefix     = "/data/data/"
	userPrefix     = "/data/user/"
	appPrefix      = "/data/app/"
	sdcardData     = "/sdcard/Android/data/"
	sdcardObb      = "/sdcard/Android/obb/"
	emulatedData   = "/storage/emulated/0/Android/data/"
	emulatedObb    = "/storage/emulated/0/Android/obb/"
	sdcardRoot     = "/sdcard"
	emulatedRoot   = "/storage/emulated/"
	androidSegment = "/Android"
)

// GuestPrefixes are the storage locations of an installed application.
var GuestPrefixes = []string{
	dataPrefix,
	userPrefix,
	appPrefix,
	sdcardData,
	sdcardObb,
	emulatedData,
	emulatedObb,
}

// SystemPrefixes are never redirected.
var SystemPrefixes = []string{
	"/system/",
	"/vendor/",
	"/apex/",
	"/dev/",
	"/proc/",
	"/sys/",
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// underDir reports whether path is dir or inside it, returning the part of
// path after dir.
func underDir(path, dir string) (string, bool) {
	if !strings.HasPrefix(path, dir) {
		return "", false
	}
	rest := path[len(dir):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

// cutUserID strips the numeric user segment of /data/user/<id>/.
func cutUserID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, userPrefix)
	if !ok {
		return "", false
	}
	id, after, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return after, true
}

// androidSuffix returns the part of an external storage path starting at
// its /Android segment.
func androidSuffix(path string) (string, bool) {
	for i := 0; ; {
		j := strings.Index(path[i:], androidSegment)
		if j < 0 {
			return "", false
		}
		at := i + j
		end := at + len(androidSegment)
		if end == len(path) || path[end] == '/' {
			return path[at:], true
		}
		i = end
	}
}
